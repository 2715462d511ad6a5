package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet        bool          `json:"is_testnet" yaml:"is_testnet"` // 是否使用测试网
	Mode             string        `json:"mode" yaml:"mode"`             // 运行模式: live 或 paper
	DBPath           string        `json:"db_path" yaml:"db_path"`       // 用户存储 (BadgerDB) 目录
	LedgerPath       string        `json:"ledger_path" yaml:"ledger_path"`
	LiveAPIURL       string        `json:"live_api_url" yaml:"live_api_url"`
	LiveWSURL        string        `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetAPIURL    string        `json:"testnet_api_url" yaml:"testnet_api_url"`
	TestnetWSURL     string        `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	DefaultSymbol    string        `json:"default_symbol" yaml:"default_symbol"` // 交易对，如 "KAS/USDT"
	DefaultParams    BotParameters `json:"default_params" yaml:"default_params"`
	HTTPAddr         string        `json:"http_addr" yaml:"http_addr"`                     // 控制API监听地址，为空则不启动
	RequestTimeout   int           `json:"request_timeout_sec" yaml:"request_timeout_sec"` // 单次交易所请求超时(秒)
	RateLimitPerSec  float64       `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`   // 每个网关的请求速率上限
	UseStream        bool          `json:"use_stream" yaml:"use_stream"`                   // 是否使用WebSocket盘口流
	StreamMaxAgeSec  int           `json:"stream_max_age_sec" yaml:"stream_max_age_sec"`   // 盘口缓存最大有效期(秒)
	AdminID          int64         `json:"admin_id" yaml:"admin_id"`                       // 接收致命错误通知的Telegram用户
	PaperQuoteFunds  float64       `json:"paper_quote_funds" yaml:"paper_quote_funds"`     // 模拟盘初始计价货币余额
	EventBufferSize  int           `json:"event_buffer_size" yaml:"event_buffer_size"`
	LogConfig        LogConfig     `json:"log" yaml:"log"`
	TelegramPollSec  int           `json:"telegram_poll_sec" yaml:"telegram_poll_sec"`
	ShutdownGraceSec int           `json:"shutdown_grace_sec" yaml:"shutdown_grace_sec"`

	HTTPToken string `json:"-" yaml:"-"` // 控制API的Bearer令牌，来自环境变量 CONTROL_API_TOKEN
	BaseURL   string `json:"-" yaml:"-"` // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"-" yaml:"-"` // WebSocket基础地址 (将由程序动态设置)
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// BotParameters 是每个用户独立的网格参数
type BotParameters struct {
	ProfitPercentage float64 `json:"profit_percentage" yaml:"profit_percentage"` // 止盈百分比
	FallPercentage   float64 `json:"fall_percentage" yaml:"fall_percentage"`     // 每一格的下跌百分比
	DelaySeconds     int     `json:"delay_seconds" yaml:"delay_seconds"`         // 轮询间隔
	OrderSize        float64 `json:"order_size" yaml:"order_size"`               // 每次买入的计价货币金额
}

// DefaultBotParameters 返回新用户的默认参数
func DefaultBotParameters() BotParameters {
	return BotParameters{
		ProfitPercentage: 0.3,
		FallPercentage:   1.0,
		DelaySeconds:     30,
		OrderSize:        40,
	}
}

// Validate 检查所有参数均为正数
func (p BotParameters) Validate() error {
	if p.ProfitPercentage <= 0 {
		return fmt.Errorf("profit_percentage must be positive, got %v", p.ProfitPercentage)
	}
	if p.FallPercentage <= 0 {
		return fmt.Errorf("fall_percentage must be positive, got %v", p.FallPercentage)
	}
	if p.DelaySeconds <= 0 {
		return fmt.Errorf("delay_seconds must be positive, got %d", p.DelaySeconds)
	}
	if p.OrderSize <= 0 {
		return fmt.Errorf("order_size must be positive, got %v", p.OrderSize)
	}
	return nil
}

// Delay 返回轮询间隔
func (p BotParameters) Delay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// TradeType 定义了账本中的交易方向
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// TradeRecord 是账本中的一条成交记录，写入后不可修改
type TradeRecord struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	TradeType TradeType `json:"trade_type"`
	Symbol    string    `json:"symbol"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Profit    float64   `json:"profit"` // 买单恒为0
	Timestamp time.Time `json:"timestamp"`
}

// Ticker 是交易所返回的最优买卖价
type Ticker struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// AssetBalance 定义了账户中特定资产的余额信息
type AssetBalance struct {
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Balances 按资产名称索引
type Balances map[string]AssetBalance

// Free 返回资产的可用余额，不存在时为0
func (b Balances) Free(asset string) float64 {
	return b[asset].Free
}

// MarketInfo 是交易对的下单约束。
// 精度字段既可以是小数位数 (如 4)，也可以是最小变动单位 (如 0.01)。
type MarketInfo struct {
	Symbol               string  `json:"symbol"`
	BaseAsset            string  `json:"base_asset"`
	QuoteAsset           string  `json:"quote_asset"`
	MinCost              float64 `json:"min_cost"`
	MinAmount            float64 `json:"min_amount"`
	AmountPrecision      float64 `json:"amount_precision"`
	PricePrecision       float64 `json:"price_precision"`
	QuoteOrderQtyAllowed bool    `json:"quote_order_qty_allowed"` // 是否支持按计价货币金额市价买入
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType 定义了订单类型
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Order 是下单后交易所返回结果的统一结构
type Order struct {
	ID            int64     `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Status        string    `json:"status"`
	Amount        float64   `json:"amount"` // 已成交 (市价单) 或委托 (限价单) 的基础货币数量
	Cost          float64   `json:"cost"`   // 已成交的计价货币金额
	Price         float64   `json:"price"`  // 成交均价或委托价
}

// EventKind 描述一次会话事件的类型
type EventKind string

const (
	EventStarted           EventKind = "started"
	EventAnchored          EventKind = "anchored"
	EventBuyExecuted       EventKind = "buy_executed"
	EventSellPlaced        EventKind = "sell_placed"
	EventSellExecuted      EventKind = "sell_executed"
	EventAmountAdjusted    EventKind = "amount_adjusted"
	EventError             EventKind = "error"
	EventInsufficientFunds EventKind = "insufficient_funds"
	EventStopped           EventKind = "stopped"
)

// Event 是引擎向上层汇报的可读事件
type Event struct {
	UserID  int64        `json:"user_id"`
	Kind    EventKind    `json:"kind"`
	Message string       `json:"message"`
	Trade   *TradeRecord `json:"trade,omitempty"`
	Time    time.Time    `json:"time"`
}

// Terminal 表示该事件是否为会话的最后一条事件。
// 每个会话结束时恰好产生一条终止事件，其类型说明了结束原因。
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventStopped, EventError, EventInsufficientFunds:
		return true
	}
	return false
}
