package scanner

import (
	"fmt"
	"math"
	"sort"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
)

// Metric names usable in profile weights.
const (
	MetricPriceBalance      = "price_balance"
	MetricHourglassAdvanced = "hourglass_advanced"
	MetricHourglassSimple   = "hourglass_simple"
	MetricSpread            = "spread"
	MetricVolume24h         = "volume_24h"
	MetricLiquidityDepth    = "liquidity_depth"
	MetricBiasScore         = "bias_score"
)

// Profile weights the metrics for one selection strategy.
type Profile struct {
	Name            string
	Description     string
	Weights         map[string]float64
	BonusMultiplier float64
	InvertSpread    bool
}

var profiles = map[string]Profile{
	"production_farming": {
		Name:        "production_farming",
		Description: "Optimize for maximum airdrop points",
		Weights: map[string]float64{
			MetricPriceBalance:      0.45,
			MetricHourglassAdvanced: 0.25,
			MetricSpread:            0.20,
			MetricVolume24h:         0.10,
		},
		BonusMultiplier: 1.5,
	},
	"test_quick_fill": {
		Name:        "test_quick_fill",
		Description: "Fast execution on tight, deep books",
		Weights: map[string]float64{
			MetricSpread:         0.60,
			MetricLiquidityDepth: 0.40,
		},
		BonusMultiplier: 1.0,
		InvertSpread:    true,
	},
	"balanced": {
		Name:        "balanced",
		Description: "Balanced approach for general trading",
		Weights: map[string]float64{
			MetricPriceBalance:   0.25,
			MetricSpread:         0.25,
			MetricVolume24h:      0.25,
			MetricLiquidityDepth: 0.25,
		},
		BonusMultiplier: 1.2,
	},
}

// ProfileByName returns a copy of a built-in profile.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		names := make([]string, 0, len(profiles))
		for n := range profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("unknown scoring profile %q (available: %v)", name, names)
	}
	w := make(map[string]float64, len(p.Weights))
	for k, v := range p.Weights {
		w[k] = v
	}
	p.Weights = w
	return p, nil
}

// normalizedWeights rescales weights to sum to 1 when they drift outside [0.99, 1.01].
func (p Profile) normalizedWeights() map[string]float64 {
	total := 0.0
	for _, w := range p.Weights {
		total += w
	}
	if total <= 0 || (total >= 0.99 && total <= 1.01) {
		return p.Weights
	}
	out := make(map[string]float64, len(p.Weights))
	for k, w := range p.Weights {
		out[k] = w / total
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// PriceBalance is 1.0 at a 50/50 midpoint and 0 at either extreme.
func PriceBalance(bestBid, bestAsk float64) float64 {
	mid := (bestBid + bestAsk) / 2
	return math.Max(0, 1-math.Abs(mid-0.5)*2)
}

// HourglassAdvanced compares liquidity in the far zone (5-15% from mid)
// with the near zone (within 5%). A far/near ratio of 3 scores 1.0.
func HourglassAdvanced(ob *exchange.Orderbook, bestBid, bestAsk float64) float64 {
	const nearPct, farPct, ideal = 0.05, 0.15, 3.0
	if ob == nil {
		return 0
	}
	mid := (bestBid + bestAsk) / 2
	nearLow, nearHigh := mid*(1-nearPct), mid*(1+nearPct)
	farLow, farHigh := mid*(1-farPct), mid*(1+farPct)

	var near, far float64
	for _, l := range ob.Bids {
		switch {
		case l.Price >= nearLow && l.Price <= nearHigh:
			near += l.Size
		case l.Price >= farLow && l.Price < nearLow:
			far += l.Size
		}
	}
	for _, l := range ob.Asks {
		switch {
		case l.Price >= nearLow && l.Price <= nearHigh:
			near += l.Size
		case l.Price > nearHigh && l.Price <= farHigh:
			far += l.Size
		}
	}
	if near == 0 {
		return 0
	}
	return math.Min(far/near/ideal, 1)
}

// HourglassSimple compares levels 4-10 with the top 3 on both sides.
func HourglassSimple(ob *exchange.Orderbook) float64 {
	const nearLevels, farStart, farEnd, ideal = 3, 3, 10, 2.0
	if ob == nil {
		return 0
	}
	var near, far float64
	for _, side := range [][]exchange.Level{ob.SortedBids(), ob.SortedAsks()} {
		for i, l := range side {
			if i < nearLevels {
				near += l.Size
			}
			if i >= farStart && i < farEnd {
				far += l.Size
			}
		}
	}
	if near == 0 {
		return 0
	}
	return math.Min(far/near/ideal, 1)
}

// SpreadLarge prefers wide spreads: 20% scores 1.0.
func SpreadLarge(spreadPct float64) float64 {
	return clamp01(spreadPct / 20)
}

// SpreadSmall prefers tight spreads: 0% scores 1.0, 10% or more scores 0.
func SpreadSmall(spreadPct float64) float64 {
	const maxGood = 2.0
	if spreadPct >= maxGood*5 {
		return 0
	}
	return clamp01(1 - spreadPct/(maxGood*5))
}

// Volume24h scores volume on a log scale from 1 to 100k USDT.
func Volume24h(volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return clamp01(math.Log10(volume) / math.Log10(100000))
}

// LiquidityDepth scores total resting size; 50k shares scores 1.0.
func LiquidityDepth(ob *exchange.Orderbook) float64 {
	if ob == nil {
		return 0
	}
	total := 0.0
	for _, l := range ob.Bids {
		total += l.Size
	}
	for _, l := range ob.Asks {
		total += l.Size
	}
	return math.Min(total/50000, 1)
}

// BidVolumePercent returns the bid share of total book volume.
func BidVolumePercent(ob *exchange.Orderbook) (float64, bool) {
	if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0, false
	}
	var bids, asks float64
	for _, l := range ob.Bids {
		bids += l.Size
	}
	for _, l := range ob.Asks {
		asks += l.Size
	}
	if bids+asks == 0 {
		return 0, false
	}
	return bids / (bids + asks) * 100, true
}

// BiasScore rewards books tilted 60-85% toward bids.
func BiasScore(bidVolumePct float64) float64 {
	switch {
	case bidVolumePct >= 60 && bidVolumePct <= 85:
		return 1
	case bidVolumePct < 60:
		return math.Max(0, bidVolumePct/60)
	default:
		return math.Max(0, (100-bidVolumePct)/15)
	}
}

// scoreInput is everything a metric may need for one outcome book.
type scoreInput struct {
	book      *exchange.Orderbook
	bestBid   float64
	bestAsk   float64
	spreadPct float64
	volume24h float64
	isBonus   bool
}

// score combines the profile's metrics into one weighted value.
func (p Profile) score(in scoreInput) float64 {
	weights := p.normalizedWeights()
	metrics := make([]string, 0, len(weights))
	for m := range weights {
		metrics = append(metrics, m)
	}
	// Fixed order keeps equal books at bit-identical scores.
	sort.Strings(metrics)

	total := 0.0
	for _, metric := range metrics {
		w := weights[metric]
		var v float64
		switch metric {
		case MetricPriceBalance:
			v = PriceBalance(in.bestBid, in.bestAsk)
		case MetricHourglassAdvanced:
			v = HourglassAdvanced(in.book, in.bestBid, in.bestAsk)
		case MetricHourglassSimple:
			v = HourglassSimple(in.book)
		case MetricSpread:
			if p.InvertSpread {
				v = SpreadSmall(in.spreadPct)
			} else {
				v = SpreadLarge(in.spreadPct)
			}
		case MetricVolume24h:
			v = Volume24h(in.volume24h)
		case MetricLiquidityDepth:
			v = LiquidityDepth(in.book)
		case MetricBiasScore:
			if pct, ok := BidVolumePercent(in.book); ok {
				v = BiasScore(pct)
			}
		}
		total += v * w
	}
	if in.isBonus && p.BonusMultiplier > 0 {
		total *= p.BonusMultiplier
	}
	return total
}
