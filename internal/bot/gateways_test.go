package bot

import (
	"context"
	"errors"
	"testing"

	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCredentials struct {
	key, secret string
	err         error
}

func (m *mockCredentials) Credentials(userID int64) (string, string, error) {
	return m.key, m.secret, m.err
}

func TestGatewaysPaperAccountPerUser(t *testing.T) {
	cfg := &models.Config{Mode: "paper", DefaultSymbol: "KAS/USDT", PaperQuoteFunds: 500}
	g := NewGateways(cfg, &mockCredentials{}, zap.NewNop())
	source := newTestExchange()
	source.SetTicker(testSymbol, 100, 100.1)
	g.marketData = source

	gw1, err := g.ForUser(&models.UserRecord{UserID: 1})
	require.NoError(t, err)
	again, err := g.ForUser(&models.UserRecord{UserID: 1})
	require.NoError(t, err)
	assert.Same(t, gw1, again)

	gw2, err := g.ForUser(&models.UserRecord{UserID: 2})
	require.NoError(t, err)
	assert.NotSame(t, gw1, gw2)

	bal, err := gw1.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, bal.Free("USDT"))

	ticker, err := gw1.FetchTicker(context.Background(), testSymbol)
	require.NoError(t, err)
	assert.Equal(t, 100.0, ticker.Bid)
	assert.NoError(t, g.Close())
}

func TestGatewaysPaperFundsSessionQuote(t *testing.T) {
	cfg := &models.Config{Mode: "paper", DefaultSymbol: "KAS/USDT", PaperQuoteFunds: 500}
	g := NewGateways(cfg, &mockCredentials{}, zap.NewNop())
	g.marketData = newTestExchange()
	ctx := context.Background()

	gw, err := g.ForUser(&models.UserRecord{UserID: 1, Symbol: "ETH/BTC"})
	require.NoError(t, err)
	bal, err := gw.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, bal.Free("BTC"))
	assert.Zero(t, bal.Free("USDT"))

	// 已注入过的计价货币不会被重置
	paper := gw.(*exchange.PaperExchange)
	paper.SetBalance("BTC", 12)
	_, err = g.ForUser(&models.UserRecord{UserID: 1, Symbol: "ETH/BTC"})
	require.NoError(t, err)
	gw, err = g.ForUser(&models.UserRecord{UserID: 1, Symbol: "KAS/USDT"})
	require.NoError(t, err)
	bal, err = gw.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, bal.Free("BTC"))
	assert.Equal(t, 500.0, bal.Free("USDT"))
}

func TestGatewaysLiveNeedsCredentials(t *testing.T) {
	cfg := &models.Config{Mode: "live", BaseURL: "http://127.0.0.1:1"}
	missing := errors.New("api credentials are not set")
	g := NewGateways(cfg, &mockCredentials{err: missing}, zap.NewNop())

	_, err := g.ForUser(&models.UserRecord{UserID: 7})
	assert.ErrorIs(t, err, missing)

	g = NewGateways(cfg, &mockCredentials{key: "k", secret: "s"}, zap.NewNop())
	gw, err := g.ForUser(&models.UserRecord{UserID: 7})
	require.NoError(t, err)
	live, ok := gw.(*exchange.LiveExchange)
	require.True(t, ok)
	assert.NoError(t, live.Close())
}
