// Package util provides common utility functions for price and share calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// PriceTick is the minimum price increment on the exchange.
const PriceTick = 0.001

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// A negative tick uses its absolute value; zero tick, NaN and Inf return x.
// The result is the float closest to the decimal tick multiple, so it
// formats without binary noise.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).InexactFloat64()
}

// RoundTo rounds x to the given number of decimal places, ties away from zero.
func RoundTo(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return decimal.NewFromFloat(x).Round(int32(places)).InexactFloat64()
}

// FloorTo truncates x toward negative infinity at the given decimal places.
func FloorTo(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return decimal.NewFromFloat(x).RoundFloor(int32(places)).InexactFloat64()
}

// RoundPrice rounds a price to the exchange tick.
func RoundPrice(x float64) float64 {
	return RoundToTick(x, PriceTick)
}

// PercentChange returns (to-from)/from*100, or 0 when from is not positive.
func PercentChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from * 100
}
