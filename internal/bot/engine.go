package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/registry"
	"telegram-grid-bot-go/internal/sizing"

	"go.uber.org/zap"
)

// ErrInsufficientFunds 表示计价货币余额不足以支付下一笔网格买入
var ErrInsufficientFunds = errors.New("insufficient quote balance for next grid buy")

// Ledger 是成交记录的写入端
type Ledger interface {
	Append(ctx context.Context, record *models.TradeRecord) error
}

// EventDispatcher 接收引擎产生的事件；实现必须是非阻塞的
type EventDispatcher interface {
	Dispatch(event models.Event)
}

// Engine 是单个用户的网格引擎。
// session 只由运行 Run 的 goroutine 修改，其他 goroutine 通过 Snapshot 读取。
type Engine struct {
	gateway  exchange.Gateway
	ledger   Ledger
	registry *registry.Registry
	events   EventDispatcher
	params   models.BotParameters
	logger   *zap.Logger
	now      func() time.Time

	session *models.GridSession
	market  *models.MarketInfo
	quote   string

	mu       sync.RWMutex
	snapshot models.GridSession
	wake     chan struct{}
}

// NewEngine 创建一个新的网格引擎
func NewEngine(session *models.GridSession, params models.BotParameters, gw exchange.Gateway, ledger Ledger, reg *registry.Registry, events EventDispatcher, logger *zap.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	_, quote, err := exchange.SplitSymbol(session.Symbol)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		gateway:  gw,
		ledger:   ledger,
		registry: reg,
		events:   events,
		params:   params,
		logger:   logger.With(zap.Int64("user_id", session.UserID), zap.String("symbol", session.Symbol)),
		now:      time.Now,
		session:  session,
		quote:    quote,
		wake:     make(chan struct{}, 1),
	}
	e.publish()
	return e, nil
}

// Snapshot 返回会话状态的副本
func (e *Engine) Snapshot() models.GridSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Snapshot()
}

// Wake 打断当前的轮询等待，使引擎尽快检查运行标记
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) publish() {
	snap := e.session.Snapshot()
	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
}

// Run 循环执行 Tick，直到运行标记被清除、ctx 被取消或发生致命错误。
// 退出时清除运行标记，并且只发出一条终止事件。
func (e *Engine) Run(ctx context.Context) error {
	userID := e.session.UserID
	e.session.Running = true
	e.publish()
	e.emit(models.EventStarted, fmt.Sprintf("网格交易已启动: %s (profit=%.2f%%, fall=%.2f%%, size=%.2f, delay=%ds)",
		e.session.Symbol, e.params.ProfitPercentage, e.params.FallPercentage, e.params.OrderSize, e.params.DelaySeconds), nil)

	var cause error
	for e.registry.IsActive(userID) && ctx.Err() == nil {
		if err := e.Tick(ctx); err != nil {
			if ctx.Err() == nil {
				cause = err
			}
			break
		}
		if !e.sleep(ctx) {
			break
		}
	}

	e.registry.Stop(userID)
	e.session.Running = false
	e.publish()

	switch {
	case cause == nil:
		e.logger.Info("网格交易已停止")
		e.emit(models.EventStopped, "自动交易已停止。", nil)
	case errors.Is(cause, ErrInsufficientFunds) || exchange.IsKind(cause, exchange.KindInsufficientFunds):
		e.logger.Warn("余额不足，会话结束", zap.Error(cause))
		e.emit(models.EventInsufficientFunds, fmt.Sprintf("余额不足，自动交易已停止: %v", cause), nil)
	default:
		e.logger.Error("网格交易出错，会话结束", zap.Error(cause))
		e.emit(models.EventError, fmt.Sprintf("自动交易出错并已停止: %v", cause), nil)
	}
	return cause
}

// sleep 等待一个轮询间隔；ctx 取消时返回 false
func (e *Engine) sleep(ctx context.Context) bool {
	timer := time.NewTimer(e.params.Delay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	case <-timer.C:
		return true
	}
}

// Tick 执行一次完整的网格判断：锚定、买入、挂止盈单、检查卖出。
// 返回的任何错误对本会话都是致命的。
func (e *Engine) Tick(ctx context.Context) error {
	defer e.publish()
	s := e.session

	ticker, err := e.gateway.FetchTicker(ctx, s.Symbol)
	if err != nil {
		return fmt.Errorf("获取行情失败: %w", err)
	}
	bid, ask := ticker.Bid, ticker.Ask
	if bid <= 0 || ask <= 0 {
		return fmt.Errorf("行情无效: bid=%v ask=%v", bid, ask)
	}

	if !s.HasReference {
		s.Anchor(bid)
		e.logger.Info("网格已锚定", zap.Float64("reference_price", bid))
		e.emit(models.EventAnchored, fmt.Sprintf("网格锚定价: %.8f", bid), nil)
	}

	level := GridLevel(s.ReferencePrice, bid, e.params.FallPercentage)
	if level > s.CurrentLevel {
		s.CurrentLevel = level
		if !s.LevelExecuted[level] {
			if err := e.buy(ctx, level, ask); err != nil {
				return err
			}
		}
	}

	return e.sellRecovered(ctx, bid)
}

// GridLevel 计算自锚定价以来下跌了多少个网格间距
func GridLevel(reference, bid, fallPercentage float64) int {
	step := reference * fallPercentage / 100
	return int(math.Floor((reference-bid)/step)) + 1
}

// SellPrice 计算止盈价
func SellPrice(reference, profitPercentage float64) float64 {
	return reference * (1 + profitPercentage/100)
}

func (e *Engine) buy(ctx context.Context, level int, ask float64) error {
	s := e.session

	balances, err := e.gateway.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("获取余额失败: %w", err)
	}
	if free := balances.Free(e.quote); free < e.params.OrderSize {
		return fmt.Errorf("%w: %s 可用 %.8f, 需要 %.8f", ErrInsufficientFunds, e.quote, free, e.params.OrderSize)
	}

	market, err := e.marketInfo(ctx)
	if err != nil {
		return err
	}
	res, err := sizing.Resolve(e.params.OrderSize, ask, *market)
	if err != nil {
		return fmt.Errorf("计算下单数量失败: %w", err)
	}
	if res.Adjusted {
		e.emit(models.EventAmountAdjusted, fmt.Sprintf("下单数量已提高到交易所最小值 %.8f (金额 %.8f %s)", res.Amount, res.Cost, e.quote), nil)
	}

	placed, err := sizing.PlaceMarketBuy(ctx, e.gateway, s.Symbol, res, *market, e.logger)
	if err != nil {
		return fmt.Errorf("第 %d 层买入失败: %w", level, err)
	}

	quantity := placed.Order.Amount
	if quantity <= 0 {
		quantity = res.Amount
	}
	quantity = sizing.RoundAmount(quantity, res.AmountPrecision)
	sellPrice := sizing.RoundPrice(SellPrice(ask, e.params.ProfitPercentage), res.PricePrecision)

	s.MoveAnchor(ask)
	s.LevelExecuted[level] = true
	tranche := &models.Tranche{
		Level:          level,
		Quantity:       quantity,
		ReferencePrice: ask,
		SellPrice:      sellPrice,
		BoughtAt:       e.now(),
	}
	s.Tranches[level] = tranche

	buyRecord := &models.TradeRecord{
		UserID:    s.UserID,
		TradeType: models.TradeBuy,
		Symbol:    s.Symbol,
		Amount:    quantity,
		Price:     ask,
		Profit:    0,
		Timestamp: e.now(),
	}
	if err := e.ledger.Append(ctx, buyRecord); err != nil {
		return fmt.Errorf("记录买入失败: %w", err)
	}
	e.logger.Info("网格买入成交",
		zap.Int("level", level),
		zap.String("strategy", placed.Strategy),
		zap.Float64("quantity", quantity),
		zap.Float64("price", ask))
	e.emit(models.EventBuyExecuted, fmt.Sprintf("Buy(%d): %.8f @ %.8f", level, quantity, ask), buyRecord)

	// 扣除手续费后的数量可能低于交易所限制，此时止盈单无法挂出
	if err := checkSellable(quantity, sellPrice, market); err != nil {
		return fmt.Errorf("第 %d 层止盈单无法下单: %w", level, err)
	}

	sellOrder, err := e.gateway.CreateLimitSellOrder(ctx, s.Symbol, quantity, tranche.SellPrice)
	if err != nil {
		return fmt.Errorf("第 %d 层止盈单下单失败: %w", level, err)
	}
	tranche.SellOrderID = sellOrder.ClientOrderID
	e.emit(models.EventSellPlaced, fmt.Sprintf("Sell(%d): %.8f @ %.8f", level, quantity, tranche.SellPrice), nil)
	return nil
}

// sellRecovered 平掉所有价格已回升到止盈价的持仓
func (e *Engine) sellRecovered(ctx context.Context, bid float64) error {
	s := e.session
	for _, level := range s.OpenLevels() {
		tranche := s.Tranches[level]
		if tranche == nil {
			s.LevelExecuted[level] = false
			continue
		}
		if bid < tranche.SellPrice {
			continue
		}

		price := bid
		filledByLimit := false
		if tranche.SellOrderID != "" {
			err := e.gateway.CancelOrder(ctx, s.Symbol, tranche.SellOrderID)
			switch {
			case exchange.IsKind(err, exchange.KindOrderNotFound):
				// 止盈单已在交易所成交
				filledByLimit = true
				price = tranche.SellPrice
			case err != nil:
				return fmt.Errorf("撤销第 %d 层止盈单失败: %w", level, err)
			}
		}
		if !filledByLimit {
			if _, err := e.gateway.CreateMarketSellOrder(ctx, s.Symbol, tranche.Quantity); err != nil {
				return fmt.Errorf("第 %d 层卖出失败: %w", level, err)
			}
		}

		sellRecord := &models.TradeRecord{
			UserID:    s.UserID,
			TradeType: models.TradeSell,
			Symbol:    s.Symbol,
			Amount:    tranche.Quantity,
			Price:     price,
			Profit:    (price - tranche.ReferencePrice) * tranche.Quantity,
			Timestamp: e.now(),
		}
		s.LevelExecuted[level] = false
		delete(s.Tranches, level)

		if err := e.ledger.Append(ctx, sellRecord); err != nil {
			return fmt.Errorf("记录卖出失败: %w", err)
		}
		e.logger.Info("网格卖出成交",
			zap.Int("level", level),
			zap.Bool("limit_filled", filledByLimit),
			zap.Float64("price", price),
			zap.Float64("profit", sellRecord.Profit))
		e.emit(models.EventSellExecuted, fmt.Sprintf("Sold(%d): %.8f @ %.8f, profit %.8f %s", level, tranche.Quantity, price, sellRecord.Profit, e.quote), sellRecord)
	}
	return nil
}

func checkSellable(quantity, price float64, market *models.MarketInfo) error {
	if quantity <= 0 || (market.MinAmount > 0 && quantity < market.MinAmount) {
		return fmt.Errorf("%w: 数量 %.8f 低于最小下单量 %.8f", sizing.ErrBelowMinimum, quantity, market.MinAmount)
	}
	if market.MinCost > 0 && quantity*price < market.MinCost {
		return fmt.Errorf("%w: 金额 %.8f 低于最小下单金额 %.8f", sizing.ErrBelowMinimum, quantity*price, market.MinCost)
	}
	return nil
}

func (e *Engine) marketInfo(ctx context.Context) (*models.MarketInfo, error) {
	if e.market != nil {
		return e.market, nil
	}
	market, err := e.gateway.MarketInfo(ctx, e.session.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取交易对规则失败: %w", err)
	}
	e.market = market
	return market, nil
}

func (e *Engine) emit(kind models.EventKind, message string, trade *models.TradeRecord) {
	if e.events == nil {
		return
	}
	e.events.Dispatch(models.Event{
		UserID:  e.session.UserID,
		Kind:    kind,
		Message: message,
		Trade:   trade,
		Time:    e.now(),
	})
}
