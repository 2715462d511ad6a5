package reporter

import (
	"context"
	"fmt"
	"math"
	"time"

	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
)

// MonthDays 是“月利润”统计的天数
const MonthDays = 30

// TradeSource 是账本的查询端
type TradeSource interface {
	Query(ctx context.Context, filter storage.TradeFilter) ([]models.TradeRecord, error)
	SumProfit(ctx context.Context, filter storage.TradeFilter) (float64, int, error)
}

// Metrics 是某个用户在一段时间内的交易统计
type Metrics struct {
	Buys          int
	Sells         int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalProfit   float64
	AvgProfitLoss float64
	MaxDrawdown   float64 // 累计已实现利润曲线的最大回撤 (计价货币)
	BoughtVolume  float64 // 买入花费的计价货币
	SoldVolume    float64
	Since         time.Time
	Until         time.Time
}

// Window 是一个统计窗口的利润汇总
type Window struct {
	Label  string  `json:"label"`
	Profit float64 `json:"profit"`
	Sells  int     `json:"sells"`
}

// Reporter 基于账本计算利润
type Reporter struct {
	ledger TradeSource
	now    func() time.Time
}

// NewReporter 创建一个利润报告器
func NewReporter(ledger TradeSource) *Reporter {
	return &Reporter{ledger: ledger, now: time.Now}
}

// ProfitToday 返回从本地时间今日零点起的已实现利润
func (r *Reporter) ProfitToday(ctx context.Context, userID int64) (float64, error) {
	now := r.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	profit, _, err := r.ledger.SumProfit(ctx, storage.TradeFilter{UserID: userID, Since: start})
	return profit, err
}

// ProfitPeriod 返回最近 days 天的已实现利润，days 必须大于0
func (r *Reporter) ProfitPeriod(ctx context.Context, userID int64, days int) (float64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	since := r.now().Add(-time.Duration(days) * 24 * time.Hour)
	profit, _, err := r.ledger.SumProfit(ctx, storage.TradeFilter{UserID: userID, Since: since})
	return profit, err
}

// ProfitMonth 返回最近30天的已实现利润
func (r *Reporter) ProfitMonth(ctx context.Context, userID int64) (float64, error) {
	return r.ProfitPeriod(ctx, userID, MonthDays)
}

// ProfitTotal 返回全部已实现利润
func (r *Reporter) ProfitTotal(ctx context.Context, userID int64) (float64, error) {
	profit, _, err := r.ledger.SumProfit(ctx, storage.TradeFilter{UserID: userID})
	return profit, err
}

// Windows 返回今日、7天、30天与全部的利润汇总
func (r *Reporter) Windows(ctx context.Context, userID int64) ([]Window, error) {
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	specs := []struct {
		label string
		since time.Time
	}{
		{"今日", today},
		{"7天", now.Add(-7 * 24 * time.Hour)},
		{"30天", now.Add(-MonthDays * 24 * time.Hour)},
		{"全部", time.Time{}},
	}
	windows := make([]Window, 0, len(specs))
	for _, s := range specs {
		profit, sells, err := r.ledger.SumProfit(ctx, storage.TradeFilter{UserID: userID, Since: s.since})
		if err != nil {
			return nil, err
		}
		windows = append(windows, Window{Label: s.label, Profit: profit, Sells: sells})
	}
	return windows, nil
}

// Summary 计算 since 之后 (零值表示全部) 的交易统计
func (r *Reporter) Summary(ctx context.Context, userID int64, since time.Time) (*Metrics, error) {
	trades, err := r.ledger.Query(ctx, storage.TradeFilter{UserID: userID, Since: since})
	if err != nil {
		return nil, err
	}
	m := calculateMetrics(trades)
	m.Since = since
	m.Until = r.now()
	return m, nil
}

func calculateMetrics(trades []models.TradeRecord) *Metrics {
	m := &Metrics{}
	var totalWin, totalLoss, cumulative float64
	curve := []float64{0}

	for _, trade := range trades {
		switch trade.TradeType {
		case models.TradeBuy:
			m.Buys++
			m.BoughtVolume += trade.Amount * trade.Price
		case models.TradeSell:
			m.Sells++
			m.SoldVolume += trade.Amount * trade.Price
			m.TotalProfit += trade.Profit
			if trade.Profit > 0 {
				m.WinningTrades++
				totalWin += trade.Profit
			} else {
				m.LosingTrades++
				totalLoss += trade.Profit
			}
			cumulative += trade.Profit
			curve = append(curve, cumulative)
		}
	}

	if m.Sells > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.Sells) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve)
	return m
}

// calculateMaxDrawdown 返回利润曲线从峰值回落的最大绝对值
func calculateMaxDrawdown(curve []float64) float64 {
	if len(curve) < 2 {
		return 0.0
	}
	peak := curve[0]
	maxDrawdown := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// RenderWindows 将利润窗口渲染为等宽文本表格
func RenderWindows(windows []Window, quote string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"周期", "卖出次数", "利润 (" + quote + ")"})
	for _, w := range windows {
		t.AppendRow(table.Row{w.Label, w.Sells, fmt.Sprintf("%.4f", w.Profit)})
	}
	return t.Render()
}

// RenderSummary 将交易统计渲染为等宽文本表格
func RenderSummary(m *Metrics, quote string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"买入次数", m.Buys},
		{"卖出次数", m.Sells},
		{"盈利 / 亏损", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"总利润", fmt.Sprintf("%.4f %s", m.TotalProfit, quote)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.4f %s", m.MaxDrawdown, quote)},
		{"买入金额", fmt.Sprintf("%.2f %s", m.BoughtVolume, quote)},
		{"卖出金额", fmt.Sprintf("%.2f %s", m.SoldVolume, quote)},
	})
	return t.Render()
}
