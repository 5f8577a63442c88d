package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

func TestPutCallParity(t *testing.T) {
	cases := []struct {
		spot, strike, timeYears, rate, vol float64
	}{
		{100, 100, 30.0 / 365, 0.05, 0.20},
		{500, 480, 7.0 / 365, 0.03, 0.15},
		{500, 520, 45.0 / 365, 0.05, 0.25},
		{50, 55, 365.0 / 365, 0.01, 0.60},
		{450, 450, 90.0 / 365, 0.0001, 0.10},
	}

	for _, c := range cases {
		call, err := Price(Input{Spot: c.spot, Strike: c.strike, TimeYears: c.timeYears,
			Rate: c.rate, Volatility: c.vol, Right: models.Call})
		require.NoError(t, err)
		put, err := Price(Input{Spot: c.spot, Strike: c.strike, TimeYears: c.timeYears,
			Rate: c.rate, Volatility: c.vol, Right: models.Put})
		require.NoError(t, err)

		lhs := call.Price - put.Price
		rhs := c.spot - c.strike*math.Exp(-c.rate*c.timeYears)
		assert.InDelta(t, rhs, lhs, 1e-6,
			"parity violated for S=%.0f K=%.0f", c.spot, c.strike)
	}
}

func TestPriceAtExpiry(t *testing.T) {
	// In the money call: intrinsic only, delta pinned to 1
	res, err := Price(Input{Spot: 110, Strike: 100, TimeYears: 0, Rate: 0.05,
		Volatility: 0.2, Right: models.Call})
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Price)
	assert.Equal(t, 1.0, res.Greeks.Delta)
	assert.Equal(t, 0.0, res.Greeks.Gamma)
	assert.Equal(t, 0.0, res.Greeks.Vega)

	// Out of the money put: worthless, zero delta
	res, err = Price(Input{Spot: 110, Strike: 100, TimeYears: 0, Rate: 0.05,
		Volatility: 0.2, Right: models.Put})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Price)
	assert.Equal(t, 0.0, res.Greeks.Delta)

	// In the money put: delta pinned to -1
	res, err = Price(Input{Spot: 90, Strike: 100, TimeYears: 0, Rate: 0.05,
		Volatility: 0.2, Right: models.Put})
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Price)
	assert.Equal(t, -1.0, res.Greeks.Delta)
}

func TestPriceGreeksSanity(t *testing.T) {
	call, err := Price(Input{Spot: 100, Strike: 100, TimeYears: 30.0 / 365,
		Rate: 0.05, Volatility: 0.20, Right: models.Call})
	require.NoError(t, err)

	// ATM call delta sits near 0.5
	assert.InDelta(t, 0.5, call.Greeks.Delta, 0.06)
	assert.Greater(t, call.Greeks.Gamma, 0.0)
	assert.Greater(t, call.Greeks.Vega, 0.0)
	assert.Less(t, call.Greeks.Theta, 0.0)

	put, err := Price(Input{Spot: 100, Strike: 100, TimeYears: 30.0 / 365,
		Rate: 0.05, Volatility: 0.20, Right: models.Put})
	require.NoError(t, err)
	assert.InDelta(t, call.Greeks.Delta-1, put.Greeks.Delta, 1e-12)
	assert.InDelta(t, call.Greeks.Gamma, put.Greeks.Gamma, 1e-12)
	assert.InDelta(t, call.Greeks.Vega, put.Greeks.Vega, 1e-12)
}

func TestPriceInputValidation(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"zero spot", Input{Spot: 0, Strike: 100, TimeYears: 0.1, Volatility: 0.2, Right: models.Call}},
		{"negative strike", Input{Spot: 100, Strike: -5, TimeYears: 0.1, Volatility: 0.2, Right: models.Call}},
		{"negative time", Input{Spot: 100, Strike: 100, TimeYears: -0.1, Volatility: 0.2, Right: models.Put}},
		{"zero volatility", Input{Spot: 100, Strike: 100, TimeYears: 0.1, Volatility: 0, Right: models.Put}},
		{"bad right", Input{Spot: 100, Strike: 100, TimeYears: 0.1, Volatility: 0.2, Right: "straddle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Price(tt.in)
			var perr *PricingError
			require.Error(t, err)
			assert.True(t, errors.As(err, &perr), "expected PricingError, got %T", err)
		})
	}
}

func TestImpliedVolatilityRoundTrip(t *testing.T) {
	cases := []struct {
		spot, strike, timeYears, rate, vol float64
		right                              models.Right
	}{
		{100, 100, 30.0 / 365, 0.05, 0.20, models.Call},
		{500, 475, 45.0 / 365, 0.05, 0.15, models.Put},
		{500, 525, 7.0 / 365, 0.03, 0.35, models.Call},
		{450, 440, 14.0 / 365, 0.02, 0.80, models.Put},
	}

	for _, c := range cases {
		in := Input{Spot: c.spot, Strike: c.strike, TimeYears: c.timeYears,
			Rate: c.rate, Volatility: c.vol, Right: c.right}
		priced, err := Price(in)
		require.NoError(t, err)

		solved, err := ImpliedVolatility(priced.Price, c.spot, c.strike, c.timeYears, c.rate, c.right)
		require.NoError(t, err)

		in.Volatility = solved
		repriced, err := Price(in)
		require.NoError(t, err)
		assert.InDelta(t, priced.Price, repriced.Price, 1e-4,
			"round trip failed for K=%.0f vol=%.2f", c.strike, c.vol)
	}
}

func TestImpliedVolatilityArbitrageBounds(t *testing.T) {
	var nce *NoConvergenceError

	// Below intrinsic value
	_, err := ImpliedVolatility(5.0, 120, 100, 30.0/365, 0.05, models.Call)
	require.Error(t, err)
	assert.True(t, errors.As(err, &nce))

	// Above spot
	_, err = ImpliedVolatility(130.0, 120, 100, 30.0/365, 0.05, models.Call)
	require.Error(t, err)
	assert.True(t, errors.As(err, &nce))

	// Expired option cannot be inverted
	_, err = ImpliedVolatility(1.0, 100, 100, 0, 0.05, models.Put)
	require.Error(t, err)
	assert.True(t, errors.As(err, &nce))
}

func TestImpliedVolatilityDeterministic(t *testing.T) {
	a, err := ImpliedVolatility(4.20, 500, 495, 21.0/365, 0.05, models.Put)
	require.NoError(t, err)
	b, err := ImpliedVolatility(4.20, 500, 495, 21.0/365, 0.05, models.Put)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestYearsToExpiry(t *testing.T) {
	start := time.Date(2024, time.January, 12, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 7.0/365.0, YearsToExpiry(start, exp), 1e-12)
	assert.Equal(t, 0.0, YearsToExpiry(exp, start))
}
