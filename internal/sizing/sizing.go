// Package sizing 将期望的下单金额换算为交易所可接受的数量与价格，
// 并负责市价买单的多策略下单。
package sizing

import (
	"errors"
	"fmt"
	"math"

	"telegram-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrBelowMinimum 表示调整后的订单金额仍低于交易所最小下单金额。
// 这是致命错误，不会重试。
var ErrBelowMinimum = errors.New("order below exchange minimum")

// Resolution 是一次换算的结果
type Resolution struct {
	Amount          float64 // 已按数量精度向下取整
	Cost            float64 // 数量被提升到最小值时会重新计算
	Price           float64 // 已按价格精度四舍五入
	AmountPrecision int
	PricePrecision  int
	Adjusted        bool // 数量是否被提升到了交易所最小值
}

// NormalizePrecision 将精度统一为小数位数。
// 整数直接视为小数位数；小数视为最小变动单位，取 |log10(p)|。
func NormalizePrecision(p float64) int {
	if p <= 0 {
		return 0
	}
	if p == math.Trunc(p) {
		return int(p)
	}
	return int(math.Round(math.Abs(math.Log10(p))))
}

// Resolve 计算可下单的数量与价格
func Resolve(cost, price float64, info models.MarketInfo) (*Resolution, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("invalid price %v", price)
	}
	if cost <= 0 {
		return nil, fmt.Errorf("invalid cost %v", cost)
	}

	res := &Resolution{
		AmountPrecision: NormalizePrecision(info.AmountPrecision),
		PricePrecision:  NormalizePrecision(info.PricePrecision),
	}

	amount := cost / price
	if info.MinAmount > 0 && amount < info.MinAmount {
		amount = info.MinAmount
		cost = amount * price
		res.Adjusted = true
	}
	if info.MinCost > 0 && cost < info.MinCost {
		return nil, fmt.Errorf("%w: cost %.8f < min_cost %.8f", ErrBelowMinimum, cost, info.MinCost)
	}

	res.Amount = RoundAmount(amount, res.AmountPrecision)
	res.Cost = cost
	res.Price = RoundPrice(price, res.PricePrecision)
	if res.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount %.8f rounds to zero at %d decimals", ErrBelowMinimum, amount, res.AmountPrecision)
	}
	return res, nil
}

// RoundAmount 将数量向下截断到指定小数位，避免超出可用余额
func RoundAmount(amount float64, precision int) float64 {
	return decimal.NewFromFloat(amount).Truncate(int32(precision)).InexactFloat64()
}

// RoundPrice 将价格四舍五入到指定小数位
func RoundPrice(price float64, precision int) float64 {
	return decimal.NewFromFloat(price).Round(int32(precision)).InexactFloat64()
}
