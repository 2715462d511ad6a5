package reporter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T, now time.Time, trades []models.TradeRecord) *Reporter {
	t.Helper()
	ledger, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	for i := range trades {
		require.NoError(t, ledger.Append(context.Background(), &trades[i]))
	}
	r := NewReporter(ledger)
	r.now = func() time.Time { return now }
	return r
}

func sell(userID int64, profit float64, at time.Time) models.TradeRecord {
	return models.TradeRecord{UserID: userID, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 10, Price: 0.1, Profit: profit, Timestamp: at}
}

func TestProfitWindows(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.Local)
	r := newTestReporter(t, now, []models.TradeRecord{
		{UserID: 1, TradeType: models.TradeBuy, Symbol: "KAS/USDT", Amount: 10, Price: 0.1, Timestamp: now.Add(-time.Hour)},
		sell(1, 1.0, now.Add(-time.Hour)),       // today
		sell(1, 2.0, now.Add(-20*time.Hour)),    // yesterday
		sell(1, 4.0, now.Add(-10*24*time.Hour)), // 10 days ago
		sell(1, 8.0, now.Add(-40*24*time.Hour)), // 40 days ago
		sell(2, 100.0, now.Add(-time.Hour)),     // other user
	})
	ctx := context.Background()

	today, err := r.ProfitToday(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, today, 1e-9)

	week, err := r.ProfitPeriod(ctx, 1, 7)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, week, 1e-9)

	month, err := r.ProfitMonth(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, month, 1e-9)

	total, err := r.ProfitTotal(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, total, 1e-9)

	_, err = r.ProfitPeriod(ctx, 1, 0)
	assert.Error(t, err)

	windows, err := r.Windows(ctx, 1)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	assert.Equal(t, 4, windows[3].Sells)
	assert.InDelta(t, 15.0, windows[3].Profit, 1e-9)

	rendered := RenderWindows(windows, "USDT")
	assert.Contains(t, rendered, "15.0000")
	assert.Contains(t, rendered, "USDT")
}

func TestSummaryMetrics(t *testing.T) {
	now := time.Now()
	r := newTestReporter(t, now, []models.TradeRecord{
		{UserID: 1, TradeType: models.TradeBuy, Symbol: "KAS/USDT", Amount: 10, Price: 1, Timestamp: now.Add(-5 * time.Hour)},
		sell(1, 3, now.Add(-4*time.Hour)),
		sell(1, -2, now.Add(-3*time.Hour)),
		sell(1, 1, now.Add(-2*time.Hour)),
	})

	m, err := r.Summary(context.Background(), 1, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Buys)
	assert.Equal(t, 3, m.Sells)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 2.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 66.67, m.WinRate, 0.01)
	assert.InDelta(t, 1.0, m.AvgProfitLoss, 1e-9) // avg win 2 / avg loss 2
	assert.InDelta(t, 2.0, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 10.0, m.BoughtVolume, 1e-9)

	rendered := RenderSummary(m, "USDT")
	assert.Contains(t, rendered, "66.67%")
}

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{0}))
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{0, 1, 2, 3}))
	assert.InDelta(t, 4.0, calculateMaxDrawdown([]float64{0, 5, 1, 3}), 1e-9)
}
