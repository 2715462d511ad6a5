package sizing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// 下单策略名称
const (
	StrategyQuantity    = "quantity"
	StrategyQuoteSpend  = "quote_spend"
	StrategyCreateOrder = "create_order"
)

// Attempt 记录一次失败的下单尝试
type Attempt struct {
	Strategy string
	Err      error
}

// PlacementError 表示所有下单策略都失败了，包含每一次失败的原因
type PlacementError struct {
	Symbol   string
	Attempts []Attempt
}

func (e *PlacementError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("all buy strategies failed for %s: %s", e.Symbol, strings.Join(parts, "; "))
}

// Unwrap 使 errors.Is / errors.As 能看到每一次失败
func (e *PlacementError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Placement 是成功的下单结果
type Placement struct {
	Order    *models.Order
	Strategy string
}

// PlaceMarketBuy 依次尝试：按数量市价买入、按计价金额市价买入 (交易对支持时)、
// 通用下单接口。第一个成功的策略生效。
// 余额不足和认证失败不会因为换一种下单方式而改变，直接返回。
func PlaceMarketBuy(ctx context.Context, gw exchange.Gateway, symbol string, res *Resolution, info models.MarketInfo, logger *zap.Logger) (*Placement, error) {
	type strategy struct {
		name  string
		place func() (*models.Order, error)
	}
	strategies := []strategy{
		{StrategyQuantity, func() (*models.Order, error) {
			return gw.CreateMarketBuyOrder(ctx, symbol, res.Amount)
		}},
	}
	if info.QuoteOrderQtyAllowed {
		strategies = append(strategies, strategy{StrategyQuoteSpend, func() (*models.Order, error) {
			return gw.CreateMarketBuyOrderByCost(ctx, symbol, res.Cost)
		}})
	}
	strategies = append(strategies, strategy{StrategyCreateOrder, func() (*models.Order, error) {
		return gw.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:      symbol,
			Side:        models.Buy,
			Type:        models.Market,
			QuoteAmount: res.Cost,
		})
	}})

	perr := &PlacementError{Symbol: symbol}
	for _, s := range strategies {
		order, err := s.place()
		if err == nil {
			if len(perr.Attempts) > 0 {
				logger.Info("备用下单策略成功", zap.String("strategy", s.name), zap.Int("failed_attempts", len(perr.Attempts)))
			}
			return &Placement{Order: order, Strategy: s.name}, nil
		}
		logger.Warn("下单策略失败", zap.String("strategy", s.name), zap.Error(err))
		perr.Attempts = append(perr.Attempts, Attempt{Strategy: s.name, Err: err})

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if exchange.IsKind(err, exchange.KindInsufficientFunds) || exchange.IsKind(err, exchange.KindAuthentication) {
			break
		}
	}
	return nil, perr
}
