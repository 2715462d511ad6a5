package sizing

import (
	"errors"
	"testing"

	"telegram-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePrecision(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.01, 2},
		{4, 4},
		{0.0001, 4},
		{0.1, 1},
		{1e-8, 8},
		{0, 0},
		{8, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePrecision(tt.in), "precision %v", tt.in)
	}
}

func TestResolveRaisesToMinAmount(t *testing.T) {
	info := models.MarketInfo{MinAmount: 100, AmountPrecision: 2, PricePrecision: 4}

	res, err := Resolve(4, 0.05, info)
	require.NoError(t, err)
	assert.True(t, res.Adjusted)
	assert.Equal(t, 100.0, res.Amount)
	assert.InDelta(t, 5.0, res.Cost, 1e-12, "cost must be recomputed from the raised amount")

	res, err = Resolve(40, 0.05, info)
	require.NoError(t, err)
	assert.False(t, res.Adjusted)
	assert.Equal(t, 800.0, res.Amount)
	assert.Equal(t, 40.0, res.Cost)
}

func TestResolveBelowMinCost(t *testing.T) {
	info := models.MarketInfo{MinAmount: 100, MinCost: 10, AmountPrecision: 2}

	_, err := Resolve(4, 0.05, info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinimum))

	res, err := Resolve(10, 0.05, info)
	require.NoError(t, err)
	assert.Equal(t, 200.0, res.Amount)
}

func TestResolveRounding(t *testing.T) {
	info := models.MarketInfo{AmountPrecision: 0.01, PricePrecision: 0.0001}

	res, err := Resolve(40, 0.09876, info)
	require.NoError(t, err)
	// 40 / 0.09876 = 405.022...
	assert.Equal(t, 405.02, res.Amount, "amount is truncated")
	assert.Equal(t, 0.0988, res.Price, "price rounds half up")
	assert.Equal(t, 2, res.AmountPrecision)
	assert.Equal(t, 4, res.PricePrecision)
}

func TestResolveInvalidInput(t *testing.T) {
	_, err := Resolve(40, 0, models.MarketInfo{})
	assert.Error(t, err)
	_, err = Resolve(0, 1, models.MarketInfo{})
	assert.Error(t, err)

	_, err = Resolve(0.001, 1, models.MarketInfo{AmountPrecision: 0})
	assert.ErrorIs(t, err, ErrBelowMinimum, "amount truncating to zero cannot be placed")
}

func TestRoundHelpers(t *testing.T) {
	assert.Equal(t, 1.23, RoundAmount(1.239, 2))
	assert.Equal(t, 1.24, RoundPrice(1.235, 2))
	assert.Equal(t, 0.1003, RoundPrice(0.1*(1+0.3/100), 4))
	assert.Equal(t, 12.0, RoundAmount(12.99, 0))
}
