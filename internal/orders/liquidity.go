package orders

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
)

// LiquidityConfig sets when a resting order is considered stranded.
type LiquidityConfig struct {
	AutoCancel       bool
	BidDropThreshold float64 // percent
	SpreadThreshold  float64 // percent
	CheckEvery       int     // polls
}

// OrderbookSource reads orderbooks.
type OrderbookSource interface {
	GetOrderbook(ctx context.Context, tokenID string) (*exchange.Orderbook, error)
}

// LiquidityResult is one deterioration check.
type LiquidityResult struct {
	OK           bool
	BestBid      float64
	BestAsk      float64
	SpreadPct    float64
	BidChangePct float64 // negative means the bid fell
	Reason       string
}

// LiquidityChecker compares the current book with the baseline recorded
// when an order was placed.
type LiquidityChecker struct {
	source OrderbookSource
	config LiquidityConfig
	logger logrus.FieldLogger
}

func NewLiquidityChecker(source OrderbookSource, config LiquidityConfig, logger logrus.FieldLogger) *LiquidityChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LiquidityChecker{source: source, config: config, logger: logger}
}

// Check never fails: an unreadable or empty book is reported as OK so a
// transient fetch problem cannot cancel an order.
func (c *LiquidityChecker) Check(ctx context.Context, tokenID string, baselineBid float64) LiquidityResult {
	neutral := LiquidityResult{OK: true, BestBid: baselineBid, BestAsk: baselineBid}

	ob, err := c.source.GetOrderbook(ctx, tokenID)
	if err != nil || ob == nil {
		c.logger.Warnf("Could not fetch orderbook for token %s: %v", tokenID, err)
		return neutral
	}
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		c.logger.Warnf("Empty orderbook for token %s", tokenID)
		return neutral
	}

	r := LiquidityResult{OK: true, BestBid: ob.BestBid(), BestAsk: ob.BestAsk()}
	if baselineBid > 0 {
		r.BidChangePct = (r.BestBid - baselineBid) / baselineBid * 100
	}
	if r.BestBid > 0 {
		r.SpreadPct = (r.BestAsk - r.BestBid) / r.BestBid * 100
	}

	switch {
	case r.BidChangePct < -c.config.BidDropThreshold:
		r.OK = false
		r.Reason = fmt.Sprintf("Bid dropped %.2f%% (threshold: %.2f%%)", -r.BidChangePct, c.config.BidDropThreshold)
	case r.SpreadPct > c.config.SpreadThreshold:
		r.OK = false
		r.Reason = fmt.Sprintf("Spread widened to %.2f%% (threshold: %.2f%%)", r.SpreadPct, c.config.SpreadThreshold)
	}
	if !r.OK {
		c.logger.Warnf("LIQUIDITY DETERIORATED: %s", r.Reason)
	} else {
		c.logger.Debugf("Liquidity OK: bid %.4f (%+.2f%%), spread %.2f%%", r.BestBid, r.BidChangePct, r.SpreadPct)
	}
	return r
}
