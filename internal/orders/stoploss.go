package orders

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// StopLossConfig controls the emergency exit of a SELL position.
type StopLossConfig struct {
	Enabled          bool
	TriggerPercent   float64 // negative, e.g. -10
	AggressiveOffset float64 // added to the best bid for the exit price
	CheckEvery       int     // polls
	WaitAttempts     int
	WaitDelay        time.Duration
	CancelPause      time.Duration
}

// stopLossTriggered reports whether the unrealized loss against the best bid
// has reached the trigger, and the loss percent.
func (m *Manager) stopLossTriggered(ctx context.Context, p *models.Position) (bool, float64) {
	ob, err := m.orderbook(ctx, p.TokenID)
	if err != nil {
		m.logger.Debugf("Stop-loss check skipped: %v", err)
		return false, 0
	}
	bid := ob.BestBid()
	buy := p.BuyPrice()
	if bid <= 0 || buy <= 0 {
		return false, 0
	}
	loss := p.UnrealizedLossPercent(bid)
	if loss <= m.config.StopLoss.TriggerPercent {
		m.logger.Warnf("STOP-LOSS TRIGGERED: bid %.4f vs buy %.4f (%.2f%% <= %.2f%%)", bid, buy, loss, m.config.StopLoss.TriggerPercent)
		return true, loss
	}
	return false, loss
}

// executeStopLoss replaces the resting SELL with an aggressive one just
// above the best bid and waits a bounded time for the position to clear.
// It returns the exit price and whether the replacement was placed.
func (m *Manager) executeStopLoss(ctx context.Context, state *models.BotState, loss float64, log logrus.FieldLogger) (float64, bool) {
	p := state.CurrentPosition
	cfg := m.config.StopLoss

	ok, err := m.Cancel(ctx, p.SellOrderID)
	if err != nil || !ok {
		log.Errorf("Stop-loss: could not cancel SELL %s (accepted=%t, err=%v)", p.SellOrderID, ok, err)
		return 0, false
	}
	if err := m.sleep(ctx, cfg.CancelPause); err != nil {
		return 0, false
	}

	ob, err := m.orderbook(ctx, p.TokenID)
	if err != nil || ob.BestBid() <= 0 {
		log.Errorf("Stop-loss: no bid to exit into: %v", err)
		return 0, false
	}
	exit := util.RoundPrice(ob.BestBid() + cfg.AggressiveOffset)
	if p.FilledAmount <= 0 {
		log.Error("Stop-loss: position has no filled amount")
		return 0, false
	}

	id, _, err := m.PlaceSell(ctx, p, exit)
	if err != nil {
		log.Errorf("Stop-loss: aggressive SELL failed: %v", err)
		return 0, false
	}
	now := m.now()
	p.SellOrderID = id
	p.SellPrice = exit
	p.SellPlacedAt = now
	p.StopLossTriggered = true
	p.StopLossTriggeredAt = now
	m.persist(state)
	log.Warnf("Stop-loss SELL %s placed at %.4f (loss %.2f%%)", id, exit, loss)

	for attempt := 1; attempt <= cfg.WaitAttempts; attempt++ {
		if err := m.sleep(ctx, cfg.WaitDelay); err != nil {
			break
		}
		shares, err := m.gateway.GetPositionShares(ctx, p.MarketID, p.OutcomeSide)
		if err == nil && shares < 1 {
			log.Info("Stop-loss exit confirmed: position cleared")
			return exit, true
		}
	}
	// The aggressive order is assumed to complete; reconciliation catches
	// the case where it did not.
	log.Warn("Stop-loss exit not confirmed within wait window, assuming it completes")
	return exit, true
}
