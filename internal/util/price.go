// Package util provides common utility functions for price calculations.
package util

import "math"

// quotientEps treats a quotient this close to an integer, scaled by its
// magnitude, as an exact tick multiple.
const quotientEps = 1e-14

func snapQuotient(q float64) float64 {
	r := math.Round(q)
	if math.Abs(q-r) <= quotientEps*math.Max(1, math.Abs(r)) {
		return r
	}
	return q
}

// RoundToTick rounds x to the nearest tick increment. A negative tick is
// treated by its absolute value; a zero tick returns x unchanged.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. Values within
// float rounding error of an exact multiple are treated as exact.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Floor(snapQuotient(x/tick)) * tick
}

// CeilToTick rounds x up to the nearest tick increment, with the same
// exact-multiple handling as FloorToTick.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 {
		return x
	}
	return math.Ceil(snapQuotient(x/tick)) * tick
}

// RoundToCents rounds a price to the penny. The multiply/divide form
// returns the float closest to the decimal result, so a rounded price
// never lands one ulp above a decimal bound.
func RoundToCents(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x*100) / 100
}

// ClampNonNegative floors x at zero.
func ClampNonNegative(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}
