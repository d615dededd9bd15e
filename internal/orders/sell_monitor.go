package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// sanityBuyPrice is the entry price at or below which stored data is
// considered corrupt and replaced with the live best bid.
const sanityBuyPrice = 0.02

// competitiveTolerance is the relative distance to the best ask within
// which a timed-out SELL keeps resting.
const competitiveTolerance = 0.001

// MonitorSell polls the SELL order of state.CurrentPosition. Besides fill
// detection it runs the stop-loss and repricing checks, which may replace
// the order and persist the new id.
func (m *Manager) MonitorSell(ctx context.Context, state *models.BotState, hook PollHook) Result {
	p := state.CurrentPosition
	switch {
	case p == nil:
		return Result{Status: StatusError, Reason: "no active position"}
	case p.TokenID == "" || p.MarketID == 0 || p.FilledAmount <= 0:
		return Result{Status: StatusError, OrderID: p.SellOrderID, Reason: "position missing token, market or filled amount"}
	case p.SellOrderID == "":
		return Result{Status: StatusError, Reason: "no SELL order id"}
	}

	log := m.logger.WithFields(logrus.Fields{"side": exchange.SideSell, "market_id": p.MarketID})
	m.sanitizeBuyPrice(ctx, state, log)
	if p.BuyPrice() <= 0 {
		return Result{Status: StatusError, OrderID: p.SellOrderID, Reason: "buy price unknown"}
	}

	start := m.now()
	placed := p.SellPlacedAt
	if placed.IsZero() {
		placed = start
	}
	deadline := placed.Add(m.config.SellTimeout)
	log.Infof("Monitoring SELL order %s, timeout at %s", p.SellOrderID, deadline.Format(time.RFC3339))

	var last *exchange.Order
	lastLiquidityPoll := 0
	for poll := 1; ; poll++ {
		if ctx.Err() != nil {
			return Result{Status: StatusInterrupted, OrderID: p.SellOrderID, Reason: ctx.Err().Error(), Polls: poll - 1}
		}
		now := m.now()

		if !now.Before(deadline) {
			competitive, reason := m.sellCompetitive(ctx, p)
			if !competitive {
				log.Warnf("SELL order timeout: %s", reason)
				return Result{Status: StatusTimeout, OrderID: p.SellOrderID, Reason: reason, Polls: poll}
			}
			deadline = now.Add(m.config.SellTimeout)
			log.Infof("SELL price still competitive, extending timeout to %s", deadline.Format(time.RFC3339))
		}

		if m.config.StopLoss.Enabled && poll%m.config.StopLoss.CheckEvery == 0 {
			if triggered, loss := m.stopLossTriggered(ctx, p); triggered {
				if exit, ok := m.executeStopLoss(ctx, state, loss, log); ok {
					return Result{
						Status:      StatusStopLossTriggered,
						OrderID:     p.SellOrderID,
						Reason:      fmt.Sprintf("stop-loss at %.2f%%", loss),
						LossPercent: loss,
						ExitPrice:   exit,
						Polls:       poll,
					}
				}
				log.Warn("Stop-loss execution failed, continuing to monitor")
			}
		}

		if m.config.Repricing.Enabled && poll%m.config.Repricing.CheckEvery == 0 {
			m.maybeReprice(ctx, state, log)
		}

		if poll-lastLiquidityPoll >= m.config.Liquidity.CheckEvery {
			lastLiquidityPoll = poll
			liq := m.liquidity.Check(ctx, p.TokenID, p.BuyPrice())
			if !liq.OK && m.config.Liquidity.AutoCancel {
				return Result{Status: StatusDeteriorated, OrderID: p.SellOrderID, Reason: liq.Reason, Polls: poll}
			}
			if hook != nil {
				hook(Progress{
					Side: exchange.SideSell, OrderID: p.SellOrderID, MarketID: p.MarketID, Poll: poll,
					Elapsed: now.Sub(start), Order: last, Liquidity: &liq, CurrentPrice: p.SellPrice,
				})
			}
		}

		o, err := m.getOrder(ctx, p.SellOrderID)
		if err != nil {
			log.Warnf("Could not get SELL order status: %v", err)
			o = nil
		}
		if o != nil {
			last = o
			if r, done := m.sellOrderOutcome(ctx, p, o, log); done {
				r.Polls = poll
				return r
			}
		}

		if err := m.sleep(ctx, m.config.PollInterval); err != nil {
			return Result{Status: StatusInterrupted, OrderID: p.SellOrderID, Reason: err.Error(), Polls: poll}
		}
	}
}

// sellOrderOutcome maps a polled SELL order to a final result, if any.
func (m *Manager) sellOrderOutcome(ctx context.Context, p *models.Position, o *exchange.Order, log logrus.FieldLogger) (Result, bool) {
	switch {
	case o.IsFinished():
		fill := ExtractFill(o, log)
		r := m.sellFilled(p, fill)
		r.FillPercent = o.FillPercent()
		r.IsPartial = r.FillPercent > 0 && r.FillPercent < fullFillPercent
		if r.IsPartial {
			log.Warnf("SELL PARTIALLY FILLED: %.1f%%", r.FillPercent)
		} else {
			log.Infof("SELL FILLED: %.4f shares @ %.4f", fill.Shares, fill.AvgPrice)
		}
		return r, true

	case o.IsExpired():
		return Result{Status: StatusExpired, OrderID: p.SellOrderID, Reason: o.StatusName()}, true

	case o.IsCancelled():
		return Result{Status: StatusCancelled, OrderID: p.SellOrderID, Reason: o.StatusName()}, true
	}

	// A partially filled SELL with a dust remainder is closed out: the
	// remainder is too small to ever match.
	remaining := o.OrderShares - o.FilledShares
	if o.FilledShares > 0 && o.OrderShares > 0 && remaining > 0 && remaining < m.config.DustShares {
		log.Infof("SELL remainder %.4f shares is dust, cancelling", remaining)
		if _, err := m.Cancel(ctx, p.SellOrderID); err != nil {
			log.Warnf("Dust cancel failed: %v", err)
		}
		r := m.sellFilled(p, ExtractFill(o, log))
		r.FillPercent = o.FillPercent()
		r.IsPartial = true
		r.Reason = fmt.Sprintf("Partial fill - cancelled %.4f dust", remaining)
		return r, true
	}
	return Result{}, false
}

func (m *Manager) sellFilled(p *models.Position, fill Fill) Result {
	return Result{
		Status:        StatusFilled,
		OrderID:       p.SellOrderID,
		FilledAmount:  fill.Shares,
		AvgFillPrice:  fill.AvgPrice,
		FilledUSDT:    fill.USDT,
		FillTimestamp: m.now(),
	}
}

// sanitizeBuyPrice replaces an implausible stored entry price with the
// current best bid so P&L and stop-loss math stay meaningful.
func (m *Manager) sanitizeBuyPrice(ctx context.Context, state *models.BotState, log logrus.FieldLogger) {
	p := state.CurrentPosition
	buy := p.BuyPrice()
	if buy > sanityBuyPrice {
		return
	}
	log.Errorf("Suspicious buy price %.4f, replacing with current best bid", buy)
	ob, err := m.orderbook(ctx, p.TokenID)
	if err != nil {
		log.Warnf("Could not fetch orderbook to repair buy price: %v", err)
		return
	}
	bid := ob.BestBid()
	if bid <= 0 {
		return
	}
	p.AvgFillPrice = bid
	p.FilledUSDT = p.FilledAmount * bid
	log.Infof("Buy price repaired to %.4f", bid)
	m.persist(state)
}

// sellCompetitive reports whether the resting SELL is still within
// tolerance of the best ask.
func (m *Manager) sellCompetitive(ctx context.Context, p *models.Position) (bool, string) {
	o, err := m.getOrder(ctx, p.SellOrderID)
	if err != nil || o == nil {
		return false, "fill timeout exceeded"
	}
	ob, err := m.orderbook(ctx, p.TokenID)
	if err != nil {
		return false, "fill timeout exceeded"
	}
	ask := ob.BestAsk()
	if ask <= 0 {
		return false, "fill timeout exceeded"
	}
	if math.Abs(o.Price-ask)/ask <= competitiveTolerance {
		return true, ""
	}
	return false, fmt.Sprintf("price not competitive (ours %.4f, best ask %.4f)", o.Price, ask)
}
