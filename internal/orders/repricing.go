package orders

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// RepriceMode selects which competing ask a SELL follows.
type RepriceMode string

// Repricing modes.
const (
	RepriceBest             RepriceMode = "best"
	RepriceSecondBest       RepriceMode = "second_best"
	RepriceLiquidityPercent RepriceMode = "liquidity_percent"
)

// RepricingConfig controls SELL repricing against undercutting asks.
type RepricingConfig struct {
	Enabled            bool
	CompetingVolumePct float64 // competing volume below filled*pct/100 is ignored
	AllowBelowBuy      bool
	MaxReductionPct    float64 // floor below the buy price when AllowBelowBuy
	Mode               RepriceMode
	LiquidityTargetPct float64
	LiquidityReturnPct float64
	DynamicIncrease    bool
	CheckEvery         int
	MinChangePct       float64
	CancelPause        time.Duration
}

// competingAsks returns asks strictly below price, lowest first.
func competingAsks(ob *exchange.Orderbook, price float64) []exchange.Level {
	var out []exchange.Level
	for _, l := range ob.SortedAsks() {
		if l.Price > 0 && l.Price < price {
			out = append(out, l)
		}
	}
	return out
}

func levelVolume(levels []exchange.Level) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Size
	}
	return total
}

// repriceTarget picks the new SELL price from the competing asks according
// to the mode. Competing must be non-empty and sorted lowest first.
func repriceTarget(mode RepriceMode, competing []exchange.Level, targetPct float64) float64 {
	switch mode {
	case RepriceSecondBest:
		if len(competing) >= 2 {
			return competing[1].Price
		}
		return competing[0].Price
	case RepriceLiquidityPercent:
		goal := levelVolume(competing) * targetPct / 100
		cumulative := 0.0
		for _, l := range competing {
			cumulative += l.Size
			if cumulative >= goal {
				return l.Price
			}
		}
		return competing[len(competing)-1].Price
	}
	return competing[0].Price
}

// repriceFloor is the lowest price a SELL may be moved to.
func (c RepricingConfig) repriceFloor(buy float64) float64 {
	if c.AllowBelowBuy {
		return buy * (1 - c.MaxReductionPct/100)
	}
	return buy
}

// increaseTarget returns a higher price to return to once competition has
// cleared, or 0 when no increase applies.
func (c RepricingConfig) increaseTarget(competing []exchange.Level, filled, current, original float64) float64 {
	if !c.DynamicIncrease || original <= 0 || current >= original {
		return 0
	}
	target := 0.0
	switch c.Mode {
	case RepriceSecondBest:
		switch {
		case len(competing) == 0:
			target = original
		case len(competing) >= 2:
			target = competing[1].Price
		}
	case RepriceLiquidityPercent:
		if levelVolume(competing) < filled*c.LiquidityReturnPct/100 {
			if len(competing) == 0 {
				target = original
			} else {
				target = math.Min(competing[len(competing)-1].Price, original)
			}
		}
	}
	if target <= current {
		return 0
	}
	return target
}

// maybeReprice moves the SELL to follow cheaper competing asks, or back up
// toward the original price once they are gone.
func (m *Manager) maybeReprice(ctx context.Context, state *models.BotState, log logrus.FieldLogger) {
	p := state.CurrentPosition
	cfg := m.config.Repricing

	current := p.SellPrice
	if o, err := m.getOrder(ctx, p.SellOrderID); err == nil && o != nil && o.Price > 0 {
		current = o.Price
	}
	if current <= 0 {
		return
	}
	ob, err := m.orderbook(ctx, p.TokenID)
	if err != nil {
		log.Debugf("Repricing skipped: %v", err)
		return
	}
	original := p.OriginalSellPrice
	if original <= 0 {
		original = current
	}

	competing := competingAsks(ob, current)
	if len(competing) == 0 || levelVolume(competing) < p.FilledAmount*cfg.CompetingVolumePct/100 {
		if target := cfg.increaseTarget(competing, p.FilledAmount, current, original); target > 0 {
			log.Infof("Competition cleared, raising SELL %.4f -> %.4f", current, target)
			m.replaceSell(ctx, state, util.RoundPrice(target), log)
		}
		return
	}

	target := repriceTarget(cfg.Mode, competing, cfg.LiquidityTargetPct)
	floor := cfg.repriceFloor(p.BuyPrice())
	if target < floor {
		log.Debugf("Reprice target %.4f below floor %.4f, clamping", target, floor)
		target = floor
	}
	target = util.RoundPrice(target)
	if math.Abs(target-current)/current*100 < cfg.MinChangePct {
		return
	}
	log.Infof("Undercut by %d ask level(s), repricing SELL %.4f -> %.4f", len(competing), current, target)
	m.replaceSell(ctx, state, target, log)
}

// replaceSell cancels the resting SELL and places a new one at price. The
// position keeps the old order if the cancel is refused.
func (m *Manager) replaceSell(ctx context.Context, state *models.BotState, price float64, log logrus.FieldLogger) {
	p := state.CurrentPosition
	ok, err := m.Cancel(ctx, p.SellOrderID)
	if err != nil || !ok {
		log.Warnf("Reprice aborted: cancel of %s not accepted (err=%v)", p.SellOrderID, err)
		return
	}
	if err := m.sleep(ctx, m.config.Repricing.CancelPause); err != nil {
		return
	}
	id, _, err := m.PlaceSell(ctx, p, price)
	if err != nil {
		// The next poll sees the cancelled order and the caller re-places it.
		log.Errorf("Reprice: new SELL failed after cancel: %v", err)
		return
	}
	if p.OriginalSellPrice <= 0 {
		p.OriginalSellPrice = p.SellPrice
	}
	p.SellOrderID = id
	p.SellPrice = price
	m.persist(state)
}
