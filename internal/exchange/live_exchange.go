package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 客户端订单号前缀，便于在交易所后台识别本程序下的单
const clientOrderIDPrefix = "grid"

// LiveOptions 是创建 LiveExchange 所需的参数
type LiveOptions struct {
	APIKey       string
	SecretKey    string
	BaseURL      string
	WSBaseURL    string
	Timeout      time.Duration // 单次请求超时
	RatePerSec   float64       // 请求速率上限
	UseStream    bool          // 是否使用 WebSocket 盘口流
	StreamMaxAge time.Duration // 盘口缓存最大有效期
	// PublicOnly 允许不带密钥创建，只用于读取行情 (模拟盘)
	PublicOnly bool
}

// LiveExchange 实现了 Gateway 接口，通过 go-binance 与币安现货交互。
// 所有返回值在调用后立即从字符串转换为带类型的结构体。
type LiveExchange struct {
	client  *binance.Client
	limiter *rate.Limiter
	opts    LiveOptions
	logger  *zap.Logger

	mu      sync.Mutex
	streams map[string]*BookTickerStream
}

// NewLiveExchange 创建一个新的 LiveExchange 实例
func NewLiveExchange(opts LiveOptions, logger *zap.Logger) (*LiveExchange, error) {
	if !opts.PublicOnly && (opts.APIKey == "" || opts.SecretKey == "") {
		return nil, NewError(KindAuthentication, "new_live_exchange", errors.New("api key and secret are required"))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.StreamMaxAge <= 0 {
		opts.StreamMaxAge = 5 * time.Second
	}

	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}
	client.HTTPClient = &http.Client{Timeout: opts.Timeout}

	return &LiveExchange{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		opts:    opts,
		logger:  logger,
		streams: make(map[string]*BookTickerStream),
	}, nil
}

// Close 停止所有盘口流
func (e *LiveExchange) Close() error {
	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[string]*BookTickerStream)
	e.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
	return nil
}

// call 等待限流令牌，并为一次请求附加超时
func (e *LiveExchange) call(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, nil, NewError(KindNetwork, op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	return callCtx, cancel, nil
}

func (e *LiveExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	const op = "fetch_ticker"
	if e.opts.UseStream {
		if ticker, ok := e.stream(symbol).Latest(e.opts.StreamMaxAge); ok {
			return &ticker, nil
		}
	}

	callCtx, cancel, err := e.call(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	tickers, err := e.client.NewListBookTickersService().Symbol(NativeSymbol(symbol)).Do(callCtx)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(tickers) == 0 {
		return nil, NewError(KindNetwork, op, fmt.Errorf("no book ticker for %s", symbol))
	}
	bid, err := parseFloat("bidPrice", tickers[0].BidPrice)
	if err != nil {
		return nil, NewError(KindUnknown, op, err)
	}
	ask, err := parseFloat("askPrice", tickers[0].AskPrice)
	if err != nil {
		return nil, NewError(KindUnknown, op, err)
	}
	return &models.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: bid}, nil
}

// stream 返回交易对的盘口流，首次调用时启动
func (e *LiveExchange) stream(symbol string) *BookTickerStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[symbol]
	if !ok {
		s = NewBookTickerStream(e.opts.WSBaseURL, symbol, e.logger)
		s.Start()
		e.streams[symbol] = s
	}
	return s
}

func (e *LiveExchange) FetchBalance(ctx context.Context) (models.Balances, error) {
	const op = "fetch_balance"
	callCtx, cancel, err := e.call(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	account, err := e.client.NewGetAccountService().Do(callCtx)
	if err != nil {
		return nil, classify(op, err)
	}
	balances := make(models.Balances, len(account.Balances))
	for _, b := range account.Balances {
		free, err := parseFloat("free", b.Free)
		if err != nil {
			return nil, NewError(KindUnknown, op, err)
		}
		locked, err := parseFloat("locked", b.Locked)
		if err != nil {
			return nil, NewError(KindUnknown, op, err)
		}
		if free == 0 && locked == 0 {
			continue
		}
		balances[b.Asset] = models.AssetBalance{Free: free, Locked: locked}
	}
	return balances, nil
}

func (e *LiveExchange) CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return e.CreateOrder(ctx, OrderRequest{Symbol: symbol, Side: models.Buy, Type: models.Market, Amount: amount})
}

func (e *LiveExchange) CreateMarketBuyOrderByCost(ctx context.Context, symbol string, cost float64) (*models.Order, error) {
	return e.CreateOrder(ctx, OrderRequest{Symbol: symbol, Side: models.Buy, Type: models.Market, QuoteAmount: cost})
}

func (e *LiveExchange) CreateLimitSellOrder(ctx context.Context, symbol string, amount, price float64) (*models.Order, error) {
	return e.CreateOrder(ctx, OrderRequest{Symbol: symbol, Side: models.Sell, Type: models.Limit, Amount: amount, Price: price})
}

func (e *LiveExchange) CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	return e.CreateOrder(ctx, OrderRequest{Symbol: symbol, Side: models.Sell, Type: models.Market, Amount: amount})
}

// CreateOrder 下单并返回成交结果。市价买单的 Amount 已扣除以基础货币收取的手续费。
func (e *LiveExchange) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	op := fmt.Sprintf("create_order %s %s", req.Side, req.Type)
	service := e.client.NewCreateOrderService().
		Symbol(NativeSymbol(req.Symbol)).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		NewClientOrderID(NewClientOrderID()).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	switch {
	case req.Amount > 0:
		service = service.Quantity(formatFloat(req.Amount))
	case req.QuoteAmount > 0 && req.Type == models.Market:
		service = service.QuoteOrderQty(formatFloat(req.QuoteAmount))
	default:
		return nil, NewError(KindInvalidOrder, op, errors.New("amount or quote amount required"))
	}
	if req.Type == models.Limit {
		if req.Price <= 0 {
			return nil, NewError(KindInvalidOrder, op, errors.New("limit order requires a price"))
		}
		service = service.TimeInForce(binance.TimeInForceTypeGTC).Price(formatFloat(req.Price))
	}

	callCtx, cancel, err := e.call(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := service.Do(callCtx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误", zap.String("op", op), zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, classify(op, err)
	}
	order, err := convertOrderResponse(req.Symbol, res)
	if err != nil {
		return nil, NewError(KindUnknown, op, err)
	}
	return order, nil
}

// CancelOrder 按客户端订单号撤单
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	const op = "cancel_order"
	callCtx, cancel, err := e.call(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = e.client.NewCancelOrderService().
		Symbol(NativeSymbol(symbol)).
		OrigClientOrderID(clientOrderID).
		Do(callCtx)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// MarketInfo 从 exchangeInfo 中解析交易对的下单规则
func (e *LiveExchange) MarketInfo(ctx context.Context, symbol string) (*models.MarketInfo, error) {
	const op = "market_info"
	callCtx, cancel, err := e.call(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	info, err := e.client.NewExchangeInfoService().Symbol(NativeSymbol(symbol)).Do(callCtx)
	if err != nil {
		return nil, classify(op, err)
	}
	native := NativeSymbol(symbol)
	for _, s := range info.Symbols {
		if s.Symbol != native {
			continue
		}
		market, err := parseSymbolFilters(s.Filters)
		if err != nil {
			return nil, NewError(KindUnknown, op, err)
		}
		market.Symbol = symbol
		market.BaseAsset = s.BaseAsset
		market.QuoteAsset = s.QuoteAsset
		market.QuoteOrderQtyAllowed = s.QuoteOrderQtyMarketAllowed
		return market, nil
	}
	return nil, NewError(KindInvalidOrder, op, fmt.Errorf("未找到交易对 %s 的信息", symbol))
}

// NewClientOrderID 生成一个不超过币安36字符限制的唯一订单号
func NewClientOrderID() string {
	id := uuid.New()
	return clientOrderIDPrefix + base62.EncodeToString(id[:])
}

// parseSymbolFilters 解析 LOT_SIZE / PRICE_FILTER / NOTIONAL / MIN_NOTIONAL。
// 精度以最小变动单位表示；步长大于等于1时记为0位小数。
func parseSymbolFilters(filters []map[string]interface{}) (*models.MarketInfo, error) {
	market := &models.MarketInfo{}
	for _, f := range filters {
		filterType, _ := f["filterType"].(string)
		switch filterType {
		case "LOT_SIZE":
			minQty, err := filterFloat(f, "minQty")
			if err != nil {
				return nil, err
			}
			step, err := filterFloat(f, "stepSize")
			if err != nil {
				return nil, err
			}
			market.MinAmount = minQty
			market.AmountPrecision = stepToPrecision(step)
		case "PRICE_FILTER":
			tick, err := filterFloat(f, "tickSize")
			if err != nil {
				return nil, err
			}
			market.PricePrecision = stepToPrecision(tick)
		case "NOTIONAL", "MIN_NOTIONAL":
			minNotional, err := filterFloat(f, "minNotional")
			if err != nil {
				return nil, err
			}
			if minNotional > market.MinCost {
				market.MinCost = minNotional
			}
		}
	}
	return market, nil
}

func filterFloat(filter map[string]interface{}, key string) (float64, error) {
	switch v := filter[key].(type) {
	case string:
		return parseFloat(key, v)
	case float64:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected %s type %T", key, v)
	}
}

func stepToPrecision(step float64) float64 {
	if step <= 0 || step >= 1 {
		return 0
	}
	return step
}

func convertOrderResponse(symbol string, res *binance.CreateOrderResponse) (*models.Order, error) {
	executed, err := parseFloat("executedQty", res.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	cost, err := parseFloat("cummulativeQuoteQty", res.CummulativeQuoteQuantity)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat("price", res.Price)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          models.Side(res.Side),
		Type:          models.OrderType(res.Type),
		Status:        string(res.Status),
		Amount:        executed,
		Cost:          cost,
		Price:         price,
	}
	if order.Type == models.Limit && executed == 0 {
		// 挂单尚未成交，数量取委托数量
		orig, err := parseFloat("origQty", res.OrigQuantity)
		if err != nil {
			return nil, err
		}
		order.Amount = orig
		return order, nil
	}
	if executed > 0 && cost > 0 {
		order.Price = cost / executed
	}

	// 手续费以基础货币收取时，实际到账数量需要扣除
	if order.Side == models.Buy {
		base, _, err := SplitSymbol(symbol)
		if err == nil {
			for _, fill := range res.Fills {
				if fill == nil || !strings.EqualFold(fill.CommissionAsset, base) {
					continue
				}
				commission, err := parseFloat("commission", fill.Commission)
				if err != nil {
					return nil, err
				}
				order.Amount -= commission
			}
		}
	}
	return order, nil
}

// classify 将 go-binance 返回的错误映射为网关错误类别
func classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// 超时、连接失败等非 API 错误
		return NewError(KindNetwork, op, err)
	}
	return NewError(kindForCode(apiErr.Code, apiErr.Message), op, err)
}

func kindForCode(code int64, message string) Kind {
	switch {
	case code == -2019:
		return KindInsufficientFunds
	case code == -2010:
		// -2010 同时用于余额不足与过滤器拒单
		if strings.Contains(strings.ToLower(message), "insufficient") {
			return KindInsufficientFunds
		}
		return KindInvalidOrder
	case code == -2011 || code == -2013:
		return KindOrderNotFound
	case code == -2014 || code == -2015 || code == -1022 || code == -1002:
		return KindAuthentication
	case code == -1013 || (code <= -1100 && code >= -1199):
		return KindInvalidOrder
	case code == -1003 || code == -1001 || code == -1021:
		return KindNetwork
	default:
		return KindUnknown
	}
}

func parseFloat(field, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s=%q 失败: %w", field, value, err)
	}
	return f, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
