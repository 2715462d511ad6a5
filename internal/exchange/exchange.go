package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"telegram-grid-bot-go/internal/models"
)

// Gateway 定义了网格引擎需要的全部交易所能力。
// 每次调用的返回值都已转换为带类型的结构体。
type Gateway interface {
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchBalance(ctx context.Context) (models.Balances, error)
	// CreateMarketBuyOrder 按基础货币数量市价买入
	CreateMarketBuyOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error)
	// CreateMarketBuyOrderByCost 按计价货币金额市价买入 ("花费 N USDT")
	CreateMarketBuyOrderByCost(ctx context.Context, symbol string, cost float64) (*models.Order, error)
	// CreateOrder 是通用下单接口
	CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	CreateLimitSellOrder(ctx context.Context, symbol string, amount, price float64) (*models.Order, error)
	CreateMarketSellOrder(ctx context.Context, symbol string, amount float64) (*models.Order, error)
	// CancelOrder 按客户端订单号撤单；订单已成交或不存在时返回 KindOrderNotFound
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	MarketInfo(ctx context.Context, symbol string) (*models.MarketInfo, error)
}

// OrderRequest 是通用下单请求。Amount 与 QuoteAmount 二选一。
type OrderRequest struct {
	Symbol      string
	Side        models.Side
	Type        models.OrderType
	Amount      float64
	QuoteAmount float64
	Price       float64
}

// Kind 区分网关错误的类别，引擎据此分支处理
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindNetwork
	KindInsufficientFunds
	KindInvalidOrder
	KindOrderNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindNetwork:
		return "network"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvalidOrder:
		return "invalid_order"
	case KindOrderNotFound:
		return "order_not_found"
	default:
		return "unknown"
	}
}

// Error 是所有网关实现返回的错误类型
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 包装一个底层错误
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链中第一个网关错误的类别
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUnknown
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// SplitSymbol 将 "KAS/USDT" 拆分为基础货币和计价货币
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q, expected BASE/QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}

// NativeSymbol 将 "KAS/USDT" 转换为交易所原生格式 "KASUSDT"
func NativeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "")
}
