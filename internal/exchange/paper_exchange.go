package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"telegram-grid-bot-go/internal/models"
)

// PaperExchange 实现了 Gateway 接口，在内存中模拟一个现货账户。
// 用于 paper 模式的演练以及引擎测试。
type PaperExchange struct {
	mu          sync.Mutex
	tickers     map[string]models.Ticker
	markets     map[string]models.MarketInfo
	balances    models.Balances
	orders      map[string]*paperOrder
	nextOrderID int64
	failures    map[string][]error
	calls       []string
	marketData  MarketData

	TakerFeeRate float64 // 市价单手续费率，从计价货币中扣除
	// FillLimitOrders 为 true 时，价格穿越限价卖单会立即撮合成交
	FillLimitOrders bool
}

// MarketData 是模拟盘的行情来源。设置后盘口和下单规则从真实市场读取，
// 成交仍在本地模拟。
type MarketData interface {
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	MarketInfo(ctx context.Context, symbol string) (*models.MarketInfo, error)
}

type paperOrder struct {
	order  models.Order
	filled bool
}

// 模拟盘操作名称，用于 FailNext 和 Calls
const (
	OpFetchTicker     = "fetch_ticker"
	OpFetchBalance    = "fetch_balance"
	OpMarketBuy       = "market_buy"
	OpMarketBuyByCost = "market_buy_by_cost"
	OpCreateOrder     = "create_order"
	OpLimitSell       = "limit_sell"
	OpMarketSell      = "market_sell"
	OpCancelOrder     = "cancel_order"
	OpMarketInfo      = "market_info"
)

const (
	paperOrderIDPrefix  = "paper-"
	paperBalanceEpsilon = 1e-9
)

// NewPaperExchange 创建一个新的模拟交易所
func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		tickers:         make(map[string]models.Ticker),
		markets:         make(map[string]models.MarketInfo),
		balances:        make(models.Balances),
		orders:          make(map[string]*paperOrder),
		nextOrderID:     1,
		failures:        make(map[string][]error),
		FillLimitOrders: true,
	}
}

// SetTicker 更新盘口，并检查是否有挂单可以成交
func (e *PaperExchange) SetTicker(symbol string, bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tickers[symbol] = models.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: bid}
	if e.FillLimitOrders {
		e.checkLimitOrdersAtPrice(symbol, bid)
	}
}

// SetMarket 设置交易对的下单规则
func (e *PaperExchange) SetMarket(info models.MarketInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[info.Symbol] = info
}

// SetMarketData 设置行情来源
func (e *PaperExchange) SetMarketData(source MarketData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketData = source
}

// SetBalance 设置资产的可用余额
func (e *PaperExchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balances[asset]
	b.Free = free
	e.balances[asset] = b
}

// FailNext 让下一次指定操作返回 err；可多次调用排队
func (e *PaperExchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], err)
}

// Calls 返回按顺序记录的操作名称
func (e *PaperExchange) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// OpenOrders 返回尚未成交的挂单
func (e *PaperExchange) OpenOrders(symbol string) []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []models.Order
	for _, o := range e.orders {
		if !o.filled && o.order.Symbol == symbol && o.order.Status == "NEW" {
			open = append(open, o.order)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}

// record 记录调用并弹出预设的故障。必须在持有锁的情况下调用。
func (e *PaperExchange) record(op string) error {
	e.calls = append(e.calls, op)
	if queued := e.failures[op]; len(queued) > 0 {
		e.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (e *PaperExchange) market(op, symbol string) (models.MarketInfo, models.Ticker, error) {
	info, ok := e.markets[symbol]
	if !ok {
		return info, models.Ticker{}, NewError(KindInvalidOrder, op, fmt.Errorf("unknown market %s", symbol))
	}
	ticker, ok := e.tickers[symbol]
	if !ok {
		return info, ticker, NewError(KindNetwork, op, fmt.Errorf("no quote for %s", symbol))
	}
	return info, ticker, nil
}

func (e *PaperExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	e.mu.Lock()
	err := e.record(OpFetchTicker)
	source := e.marketData
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if source != nil {
		live, err := source.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		e.SetTicker(symbol, live.Bid, live.Ask)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ticker, ok := e.tickers[symbol]
	if !ok {
		return nil, NewError(KindNetwork, OpFetchTicker, fmt.Errorf("no quote for %s", symbol))
	}
	return &ticker, nil
}

func (e *PaperExchange) FetchBalance(ctx context.Context) (models.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpFetchBalance); err != nil {
		return nil, err
	}
	out := make(models.Balances, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *PaperExchange) CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpMarketBuy); err != nil {
		return nil, err
	}
	return e.marketBuy(OpMarketBuy, symbol, amount, 0)
}

func (e *PaperExchange) CreateMarketBuyOrderByCost(ctx context.Context, symbol string, cost float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpMarketBuyByCost); err != nil {
		return nil, err
	}
	info, ok := e.markets[symbol]
	if ok && !info.QuoteOrderQtyAllowed {
		return nil, NewError(KindInvalidOrder, OpMarketBuyByCost, errors.New("quote order quantity not supported"))
	}
	return e.marketBuy(OpMarketBuyByCost, symbol, 0, cost)
}

func (e *PaperExchange) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpCreateOrder); err != nil {
		return nil, err
	}
	switch {
	case req.Side == models.Buy && req.Type == models.Market:
		return e.marketBuy(OpCreateOrder, req.Symbol, req.Amount, req.QuoteAmount)
	case req.Side == models.Sell && req.Type == models.Market:
		return e.marketSell(OpCreateOrder, req.Symbol, req.Amount)
	case req.Side == models.Sell && req.Type == models.Limit:
		return e.limitSell(OpCreateOrder, req.Symbol, req.Amount, req.Price)
	default:
		return nil, NewError(KindInvalidOrder, OpCreateOrder, fmt.Errorf("unsupported order %s %s", req.Side, req.Type))
	}
}

func (e *PaperExchange) CreateLimitSellOrder(ctx context.Context, symbol string, amount, price float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpLimitSell); err != nil {
		return nil, err
	}
	return e.limitSell(OpLimitSell, symbol, amount, price)
}

func (e *PaperExchange) CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpMarketSell); err != nil {
		return nil, err
	}
	return e.marketSell(OpMarketSell, symbol, amount)
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(OpCancelOrder); err != nil {
		return err
	}
	o, ok := e.orders[clientOrderID]
	if !ok || o.filled || o.order.Status != "NEW" {
		return NewError(KindOrderNotFound, OpCancelOrder, fmt.Errorf("order %s is not open", clientOrderID))
	}
	o.order.Status = "CANCELED"
	e.unlock(e.markets[o.order.Symbol].BaseAsset, o.order.Amount)
	return nil
}

func (e *PaperExchange) MarketInfo(ctx context.Context, symbol string) (*models.MarketInfo, error) {
	e.mu.Lock()
	err := e.record(OpMarketInfo)
	info, ok := e.markets[symbol]
	source := e.marketData
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return &info, nil
	}
	if source == nil {
		return nil, NewError(KindInvalidOrder, OpMarketInfo, fmt.Errorf("unknown market %s", symbol))
	}
	live, err := source.MarketInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	e.SetMarket(*live)
	return live, nil
}

// marketBuy 按卖一价成交。amount 与 cost 二选一。必须在持有锁的情况下调用。
func (e *PaperExchange) marketBuy(op, symbol string, amount, cost float64) (*models.Order, error) {
	info, ticker, err := e.market(op, symbol)
	if err != nil {
		return nil, err
	}
	if amount <= 0 && cost <= 0 {
		return nil, NewError(KindInvalidOrder, op, errors.New("amount or cost required"))
	}
	if amount <= 0 {
		amount = cost / ticker.Ask
	}
	cost = amount * ticker.Ask
	if info.MinAmount > 0 && amount < info.MinAmount {
		return nil, NewError(KindInvalidOrder, op, fmt.Errorf("amount %.8f below minimum %.8f", amount, info.MinAmount))
	}
	if info.MinCost > 0 && cost < info.MinCost {
		return nil, NewError(KindInvalidOrder, op, fmt.Errorf("cost %.8f below minimum %.8f", cost, info.MinCost))
	}

	fee := cost * e.TakerFeeRate
	quote := e.balances[info.QuoteAsset]
	if quote.Free+paperBalanceEpsilon < cost+fee {
		return nil, NewError(KindInsufficientFunds, op, fmt.Errorf("need %.8f %s, have %.8f", cost+fee, info.QuoteAsset, quote.Free))
	}
	quote.Free -= cost + fee
	e.balances[info.QuoteAsset] = quote

	base := e.balances[info.BaseAsset]
	base.Free += amount
	e.balances[info.BaseAsset] = base

	return e.newOrder(symbol, models.Buy, models.Market, "FILLED", amount, cost, ticker.Ask, true), nil
}

func (e *PaperExchange) marketSell(op, symbol string, amount float64) (*models.Order, error) {
	info, ticker, err := e.market(op, symbol)
	if err != nil {
		return nil, err
	}
	base := e.balances[info.BaseAsset]
	if base.Free+paperBalanceEpsilon < amount {
		return nil, NewError(KindInsufficientFunds, op, fmt.Errorf("need %.8f %s, have %.8f", amount, info.BaseAsset, base.Free))
	}
	base.Free -= amount
	e.balances[info.BaseAsset] = base

	proceeds := amount * ticker.Bid
	quote := e.balances[info.QuoteAsset]
	quote.Free += proceeds - proceeds*e.TakerFeeRate
	e.balances[info.QuoteAsset] = quote

	return e.newOrder(symbol, models.Sell, models.Market, "FILLED", amount, proceeds, ticker.Bid, true), nil
}

func (e *PaperExchange) limitSell(op, symbol string, amount, price float64) (*models.Order, error) {
	info, ok := e.markets[symbol]
	if !ok {
		return nil, NewError(KindInvalidOrder, op, fmt.Errorf("unknown market %s", symbol))
	}
	if amount <= 0 || price <= 0 {
		return nil, NewError(KindInvalidOrder, op, fmt.Errorf("invalid limit order %.8f @ %.8f", amount, price))
	}
	base := e.balances[info.BaseAsset]
	if base.Free+paperBalanceEpsilon < amount {
		return nil, NewError(KindInsufficientFunds, op, fmt.Errorf("need %.8f %s, have %.8f", amount, info.BaseAsset, base.Free))
	}
	base.Free -= amount
	base.Locked += amount
	e.balances[info.BaseAsset] = base

	order := e.newOrder(symbol, models.Sell, models.Limit, "NEW", amount, 0, price, false)
	if e.FillLimitOrders {
		if ticker, ok := e.tickers[symbol]; ok {
			e.checkLimitOrdersAtPrice(symbol, ticker.Bid)
		}
	}
	return order, nil
}

// checkLimitOrdersAtPrice 撮合所有价格被穿越的限价卖单。必须在持有锁的情况下调用。
func (e *PaperExchange) checkLimitOrdersAtPrice(symbol string, bid float64) {
	info, ok := e.markets[symbol]
	if !ok {
		return
	}
	for _, o := range e.orders {
		if o.filled || o.order.Symbol != symbol || o.order.Type != models.Limit || o.order.Status != "NEW" {
			continue
		}
		if bid < o.order.Price {
			continue
		}
		o.filled = true
		o.order.Status = "FILLED"
		o.order.Cost = o.order.Amount * o.order.Price

		base := e.balances[info.BaseAsset]
		base.Locked -= o.order.Amount
		e.balances[info.BaseAsset] = base
		quote := e.balances[info.QuoteAsset]
		quote.Free += o.order.Cost
		e.balances[info.QuoteAsset] = quote
	}
}

func (e *PaperExchange) unlock(asset string, amount float64) {
	b := e.balances[asset]
	b.Locked -= amount
	b.Free += amount
	e.balances[asset] = b
}

func (e *PaperExchange) newOrder(symbol string, side models.Side, typ models.OrderType, status string, amount, cost, price float64, filled bool) *models.Order {
	id := e.nextOrderID
	e.nextOrderID++
	order := models.Order{
		ID:            id,
		ClientOrderID: fmt.Sprintf("%s%d", paperOrderIDPrefix, id),
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Status:        status,
		Amount:        amount,
		Cost:          cost,
		Price:         price,
	}
	e.orders[order.ClientOrderID] = &paperOrder{order: order, filled: filled}
	return &order
}
