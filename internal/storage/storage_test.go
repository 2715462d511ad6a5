package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"telegram-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestAppendAndQuery(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	buy := &models.TradeRecord{UserID: 1, TradeType: models.TradeBuy, Symbol: "KAS/USDT", Amount: 400, Price: 0.1, Timestamp: base}
	require.NoError(t, ledger.Append(ctx, buy))
	assert.NotZero(t, buy.ID)

	sell := &models.TradeRecord{UserID: 1, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 400, Price: 0.1003, Profit: 0.12, Timestamp: base.Add(time.Hour)}
	require.NoError(t, ledger.Append(ctx, sell))
	other := &models.TradeRecord{UserID: 2, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 5, Timestamp: base}
	require.NoError(t, ledger.Append(ctx, other))

	trades, err := ledger.Query(ctx, TradeFilter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.TradeBuy, trades[0].TradeType)
	assert.Equal(t, models.TradeSell, trades[1].TradeType)
	assert.Equal(t, 0.12, trades[1].Profit)
	assert.True(t, trades[1].Timestamp.Equal(base.Add(time.Hour)))

	sells, err := ledger.Query(ctx, TradeFilter{UserID: 1, TradeType: models.TradeSell})
	require.NoError(t, err)
	require.Len(t, sells, 1)

	recent, err := ledger.Query(ctx, TradeFilter{UserID: 1, Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, sell.ID, recent[0].ID)
}

func TestSumProfit(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	for _, r := range []models.TradeRecord{
		{UserID: 1, TradeType: models.TradeBuy, Symbol: "KAS/USDT", Amount: 1, Price: 1, Timestamp: now},
		{UserID: 1, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 1.5, Timestamp: now},
		{UserID: 1, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 2.5, Timestamp: now.Add(-48 * time.Hour)},
	} {
		r := r
		require.NoError(t, ledger.Append(ctx, &r))
	}

	total, count, err := ledger.SumProfit(ctx, TradeFilter{UserID: 1})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, total, 1e-9)
	assert.Equal(t, 2, count)

	recent, count, err := ledger.SumProfit(ctx, TradeFilter{UserID: 1, Since: now.Add(-time.Hour)})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, recent, 1e-9)
	assert.Equal(t, 1, count)

	none, count, err := ledger.SumProfit(ctx, TradeFilter{UserID: 99})
	require.NoError(t, err)
	assert.Zero(t, none)
	assert.Zero(t, count)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	ledger := openTestLedger(t)
	err := ledger.Append(context.Background(), &models.TradeRecord{UserID: 1, TradeType: "hold"})
	assert.Error(t, err)
}

func TestConcurrentAppend(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			assert.NoError(t, ledger.Append(ctx, &models.TradeRecord{UserID: user, TradeType: models.TradeBuy, Symbol: "KAS/USDT", Amount: 1, Price: 1}))
		}(int64(i%3 + 1))
	}
	wg.Wait()

	trades, err := ledger.Query(ctx, TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, trades, 20)
}

func TestOpenInMemory(t *testing.T) {
	ledger, err := Open(":memory:")
	require.NoError(t, err)
	defer ledger.Close()
	require.NoError(t, ledger.Append(context.Background(), &models.TradeRecord{UserID: 1, TradeType: models.TradeBuy, Symbol: "X/Y", Amount: 1, Price: 1}))
}
