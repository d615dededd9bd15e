package util

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"rounds down", 1.2345, 0.01, 1.23},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"larger tick size", 1.27, 0.05, 1.25},
		{"exact multiple", 1.25, 0.05, 1.25},
		{"negative tick uses absolute value", 1.27, -0.05, 1.25},
		{"price tick", 0.0724, PriceTick, 0.072},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RoundToTick(tt.x, tt.tick))
		})
	}
}

func TestRoundToTick_Passthrough(t *testing.T) {
	assert.Equal(t, 1.2345, RoundToTick(1.2345, 0))
	assert.True(t, math.IsNaN(RoundToTick(math.NaN(), 0.01)))
	assert.True(t, math.IsInf(RoundToTick(math.Inf(1), 0.01), 1))
}

// Prices leave this package already in shortest decimal form; the order
// signer rejects anything that formats past six decimals.
func TestRoundPrice_ShortestDecimal(t *testing.T) {
	for i := 1; i < 1000; i++ {
		raw := float64(i)*PriceTick + 1e-7
		got := RoundPrice(raw)
		s := strconv.FormatFloat(got, 'f', -1, 64)
		assert.LessOrEqual(t, len(s), len("0.000"), "RoundPrice(%v) formats as %s", raw, s)
	}
	assert.Equal(t, "0.072", strconv.FormatFloat(RoundPrice(0.072), 'f', -1, 64))
	assert.Equal(t, "0.013", strconv.FormatFloat(RoundPrice(0.0125), 'f', -1, 64))
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		x        float64
		places   int
		expected float64
	}{
		{1.23456, 4, 1.2346},
		{0.1234565, 6, 0.123457},
		{12.345, 2, 12.35},
		{-2.5, 0, -3},
		{7, 2, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, RoundTo(tt.x, tt.places), "RoundTo(%v, %d)", tt.x, tt.places)
	}
}

func TestFloorTo(t *testing.T) {
	tests := []struct {
		x        float64
		places   int
		expected float64
	}{
		{49.99, 1, 49.9},
		{3.0, 1, 3.0},
		{1.2999999999999, 2, 1.29},
		{-1.21, 1, -1.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FloorTo(tt.x, tt.places), "FloorTo(%v, %d)", tt.x, tt.places)
	}
}

func TestPercentChange(t *testing.T) {
	assert.InDelta(t, -15.0, PercentChange(0.100, 0.085), 1e-9)
	assert.InDelta(t, 25.0, PercentChange(0.4, 0.5), 1e-9)
	assert.Zero(t, PercentChange(0, 0.5))
	assert.Zero(t, PercentChange(-1, 0.5))
}
