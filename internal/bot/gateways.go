package bot

import (
	"sync"
	"time"

	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// CredentialSource 返回用户解密后的API密钥
type CredentialSource interface {
	Credentials(userID int64) (apiKey, apiSecret string, err error)
}

// paperAccount 是一个用户的模拟账户；funded 记录已注入初始资金的计价货币
type paperAccount struct {
	exchange *exchange.PaperExchange
	funded   map[string]bool
}

// Gateways 按运行模式为用户创建交易所网关。
// live 模式每次返回一个使用用户密钥的新 LiveExchange；
// paper 模式为每个用户保留一个模拟账户，行情来自公共接口。
type Gateways struct {
	cfg    *models.Config
	creds  CredentialSource
	logger *zap.Logger

	mu         sync.Mutex
	paper      map[int64]*paperAccount
	marketData exchange.MarketData
	public     *exchange.LiveExchange
}

// NewGateways 创建网关工厂
func NewGateways(cfg *models.Config, creds CredentialSource, logger *zap.Logger) *Gateways {
	return &Gateways{
		cfg:    cfg,
		creds:  creds,
		logger: logger,
		paper:  make(map[int64]*paperAccount),
	}
}

func (g *Gateways) liveOptions() exchange.LiveOptions {
	return exchange.LiveOptions{
		BaseURL:      g.cfg.BaseURL,
		WSBaseURL:    g.cfg.WSBaseURL,
		Timeout:      time.Duration(g.cfg.RequestTimeout) * time.Second,
		RatePerSec:   g.cfg.RateLimitPerSec,
		UseStream:    g.cfg.UseStream,
		StreamMaxAge: time.Duration(g.cfg.StreamMaxAgeSec) * time.Second,
	}
}

// ForUser 返回用户的网关。live 模式下未设置密钥时返回 persistence.ErrNoCredentials。
func (g *Gateways) ForUser(user *models.UserRecord) (exchange.Gateway, error) {
	if g.cfg.Mode == "paper" {
		return g.paperFor(user)
	}

	apiKey, apiSecret, err := g.creds.Credentials(user.UserID)
	if err != nil {
		return nil, err
	}
	opts := g.liveOptions()
	opts.APIKey = apiKey
	opts.SecretKey = apiSecret
	return exchange.NewLiveExchange(opts, g.logger.With(zap.Int64("user_id", user.UserID)))
}

// paperFor 返回用户的模拟账户。会话交易对的计价货币在首次使用时
// 注入 PaperQuoteFunds 的初始资金。
func (g *Gateways) paperFor(user *models.UserRecord) (*exchange.PaperExchange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.marketData == nil {
		opts := g.liveOptions()
		opts.PublicOnly = true
		public, err := exchange.NewLiveExchange(opts, g.logger.Named("market_data"))
		if err != nil {
			return nil, err
		}
		g.public = public
		g.marketData = public
	}

	account, ok := g.paper[user.UserID]
	if !ok {
		ex := exchange.NewPaperExchange()
		ex.SetMarketData(g.marketData)
		account = &paperAccount{exchange: ex, funded: make(map[string]bool)}
		g.paper[user.UserID] = account
	}

	symbol := user.Symbol
	if symbol == "" {
		symbol = g.cfg.DefaultSymbol
	}
	if _, quote, err := exchange.SplitSymbol(symbol); err == nil && !account.funded[quote] {
		account.exchange.SetBalance(quote, g.cfg.PaperQuoteFunds)
		account.funded[quote] = true
		g.logger.Info("模拟账户已注入初始资金",
			zap.Int64("user_id", user.UserID),
			zap.String("asset", quote),
			zap.Float64("amount", g.cfg.PaperQuoteFunds))
	}
	return account.exchange, nil
}

// Close 关闭共享的行情连接
func (g *Gateways) Close() error {
	g.mu.Lock()
	public := g.public
	g.public = nil
	g.mu.Unlock()
	if public != nil {
		return public.Close()
	}
	return nil
}
