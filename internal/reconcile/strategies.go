package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

// fallbackAvgPrice prices an adopted position when neither the ledger nor
// the orderbook can.
const fallbackAvgPrice = 0.01

// syncFromAPI adopts an exchange holding into an empty state and moves to
// BUY_FILLED so the next cycle sells it.
func (e *Engine) syncFromAPI(ctx context.Context, state *models.BotState, d *models.Discrepancy) *models.RecoveryResult {
	r := &models.RecoveryResult{Strategy: models.StrategySyncFromAPI}
	found := d.Exchange
	outcome := strings.ToUpper(found.OutcomeSide)
	if outcome == "" {
		outcome = models.OutcomeYes
	}

	r.AddAction(fmt.Sprintf("Fetching market #%d details", found.MarketID))
	market, err := e.exchange.GetMarket(ctx, found.MarketID)
	if err != nil || market == nil {
		r.Reason = fmt.Sprintf("Could not fetch market #%d details", found.MarketID)
		if err != nil {
			r.Reason += ": " + err.Error()
		}
		return r
	}
	tokenID := market.TokenFor(outcome)
	if tokenID == "" {
		r.Reason = fmt.Sprintf("Could not get token_id for %s outcome", outcome)
		return r
	}
	r.AddAction("Got token_id " + truncateID(tokenID))

	avg := e.historicalBuyPrice(found.MarketID, outcome)
	if avg > 0 {
		r.AddAction(fmt.Sprintf("Found avg price %.4f in transaction history", avg))
	} else {
		avg = e.currentBid(ctx, tokenID)
		if avg > 0 {
			r.AddAction(fmt.Sprintf("Using current market bid %.4f as avg price (estimate, P&L may be inaccurate)", avg))
		} else {
			avg = fallbackAvgPrice
			r.AddAction(fmt.Sprintf("Using fallback avg price %.4f", avg))
		}
	}

	now := time.Now().UTC()
	state.CurrentPosition = &models.Position{
		MarketID:          found.MarketID,
		MarketTitle:       market.Title,
		TokenID:           tokenID,
		OutcomeSide:       outcome,
		OrderID:           models.OrderIDUnknown,
		Price:             avg,
		FilledAmount:      found.Shares,
		AvgFillPrice:      avg,
		FilledUSDT:        found.Shares * avg,
		FillTimestamp:     now,
		Recovered:         true,
		RecoveryReason:    d.Description,
		RecoveryTimestamp: now,
	}
	moveTo(state, models.StageBuyFilled, models.ConditionReconcilePhantom)

	r.SetChange("stage", string(models.StageBuyFilled))
	r.SetChange("current_position", fmt.Sprintf("market #%d %.4f %s @ %.4f", found.MarketID, found.Shares, outcome, avg))
	r.AddAction(fmt.Sprintf("Rebuilt position: %.4f %s @ %.4f", found.Shares, outcome, avg))
	r.AddAction("Set stage to BUY_FILLED (ready to sell)")
	r.Success = true
	r.Reason = fmt.Sprintf("Adopted orphaned position from market #%d", found.MarketID)
	return e.save(state, r)
}

// historicalBuyPrice returns the price of the latest ledger BUY for the
// outcome, or 0.
func (e *Engine) historicalBuyPrice(marketID int, outcome string) float64 {
	if e.history == nil {
		return 0
	}
	txs, err := e.history.TransactionsForMarket(marketID)
	if err != nil {
		e.logger.Warnf("Could not read transaction history: %v", err)
		return 0
	}
	var latest *storage.Transaction
	for i := range txs {
		t := &txs[i]
		if t.Type != storage.TxBuy || !strings.EqualFold(t.Outcome, outcome) {
			continue
		}
		if latest == nil || !t.Timestamp.Before(latest.Timestamp) {
			latest = t
		}
	}
	if latest == nil {
		return 0
	}
	return latest.Price
}

func (e *Engine) currentBid(ctx context.Context, tokenID string) float64 {
	ob, err := e.exchange.GetOrderbook(ctx, tokenID)
	if err != nil || ob == nil {
		e.logger.Warnf("Could not get market price: %v", err)
		return 0
	}
	return ob.BestBid()
}

// updateShares overwrites the recorded share count and, when the holding was
// found on the other outcome, the outcome side.
func (e *Engine) updateShares(state *models.BotState, d *models.Discrepancy) *models.RecoveryResult {
	r := &models.RecoveryResult{Strategy: models.StrategyUpdateShares}
	p := state.CurrentPosition
	if p == nil {
		r.Reason = "No position to update"
		return r
	}

	old := p.FilledAmount
	actual := d.Exchange.Shares
	p.FilledAmount = actual

	if side := d.ActualOutcomeSide; side != "" && !strings.EqualFold(side, p.OutcomeSide) {
		r.AddAction(fmt.Sprintf("Updated outcome_side: %s -> %s", p.OutcomeSide, side))
		r.SetChange("current_position.outcome_side", fmt.Sprintf("%s -> %s", p.OutcomeSide, side))
		p.OutcomeSide = side
		p.TokenID = ""
	}
	if p.AvgFillPrice > 0 {
		p.FilledUSDT = actual * p.AvgFillPrice
	}

	r.SetChange("current_position.filled_amount", fmt.Sprintf("%.4f -> %.4f", old, actual))
	r.AddAction(fmt.Sprintf("Updated filled_amount: %.4f -> %.4f", old, actual))
	r.Success = true
	r.Reason = "Share count synchronized with exchange"
	return e.save(state, r)
}

// syncFromHistory decides from the ledger whether a position missing on the
// exchange was already sold. Anything unclear resets to IDLE.
func (e *Engine) syncFromHistory(state *models.BotState, d *models.Discrepancy) *models.RecoveryResult {
	var actions []string
	if e.history == nil {
		return e.resetToIdle(state, []string{"No transaction history available", "Defaulting to RESET_TO_IDLE"})
	}
	txs, err := e.history.TransactionsForMarket(d.State.MarketID)
	if err != nil || len(txs) == 0 {
		return e.resetToIdle(state, []string{"No transaction history found for this market", "Defaulting to RESET_TO_IDLE"})
	}

	var bought, sold float64
	var buys, sells int
	var lastSell *storage.Transaction
	for i := range txs {
		t := &txs[i]
		switch t.Type {
		case storage.TxBuy:
			buys++
			bought += t.Shares
		case storage.TxSell:
			sells++
			sold += t.Shares
			if lastSell == nil || !t.Timestamp.Before(lastSell.Timestamp) {
				lastSell = t
			}
		}
	}
	actions = append(actions,
		fmt.Sprintf("Transaction history: %d BUY, %d SELL", buys, sells),
		fmt.Sprintf("Total bought: %.4f, total sold: %.4f", bought, sold))

	if bought <= 0 || math.Abs(bought-sold) >= e.config.ShareTolerance {
		return e.resetToIdle(state, append(actions, "Transaction history unclear", "Defaulting to RESET_TO_IDLE"))
	}

	r := &models.RecoveryResult{Strategy: models.StrategySyncFromHistory, Actions: actions}
	if p := state.CurrentPosition; p != nil && lastSell != nil && p.SellFilledAmount == 0 {
		p.RecordSellFill(lastSell.Shares, lastSell.Price, lastSell.AmountUSDT, lastSell.Timestamp)
		if lastSell.PnLUSDT != nil {
			p.RealizedPnLUSDT = *lastSell.PnLUSDT
		}
		if lastSell.PnLPercent != nil {
			p.RealizedPnLPercent = *lastSell.PnLPercent
		}
		r.AddAction(fmt.Sprintf("Restored SELL fill from ledger: %.4f @ %.4f", lastSell.Shares, lastSell.Price))
	}
	moveTo(state, models.StageCompleted, models.ConditionReconcileHistory)
	r.SetChange("stage", string(models.StageCompleted))
	r.AddAction("Position appears to be fully closed")
	r.AddAction("Set stage to COMPLETED")
	r.Success = true
	r.Reason = "Position was already sold according to transaction history"
	return e.save(state, r)
}

// resetToIdle clears the position and returns to IDLE. Statistics are kept.
func (e *Engine) resetToIdle(state *models.BotState, prior []string) *models.RecoveryResult {
	r := &models.RecoveryResult{Strategy: models.StrategyResetToIdle, Actions: prior}
	r.AddAction("Resetting state to IDLE (clean slate)")
	moveTo(state, models.StageIdle, models.ConditionReset)
	r.SetChange("stage", string(models.StageIdle))
	r.SetChange("current_position", "cleared")
	r.AddAction("Cleared current_position")
	r.AddAction("Set stage to IDLE")
	r.Success = true
	r.Reason = "Reset to clean state as last resort"
	return e.save(state, r)
}

// cancelAndReset cancels every orphaned order and resets to IDLE. A refused
// cancel usually means the order already reached a terminal status.
func (e *Engine) cancelAndReset(ctx context.Context, state *models.BotState, d *models.Discrepancy) *models.RecoveryResult {
	r := &models.RecoveryResult{Strategy: models.StrategyCancelAndReset}
	r.AddAction(fmt.Sprintf("Found %d orphaned pending order(s)", len(d.Orders)))

	cancelled, failed := 0, 0
	for _, o := range d.Orders {
		log := e.logger.WithFields(logrus.Fields{"order_id": o.OrderID, "market_id": o.MarketID})
		ok, err := e.exchange.CancelOrder(ctx, o.OrderID)
		switch {
		case err != nil:
			failed++
			r.AddAction(fmt.Sprintf("Error cancelling order %s: %v", o.OrderID, err))
			log.Errorf("Cancel failed: %v", err)
		case !ok:
			failed++
			r.AddAction(fmt.Sprintf("Failed to cancel order %s", o.OrderID))
			log.Warn("Cancel refused (may be already filled or cancelled)")
		default:
			cancelled++
			r.AddAction(fmt.Sprintf("Cancelled order %s on market #%d", o.OrderID, o.MarketID))
			log.Info("Cancelled orphaned order")
		}
	}

	moveTo(state, models.StageIdle, models.ConditionReconcileOrphan)
	r.SetChange("stage", string(models.StageIdle))
	r.SetChange("current_position", "cleared")
	r.SetChange("orders_cancelled", fmt.Sprint(cancelled))
	r.SetChange("cancellations_failed", fmt.Sprint(failed))
	r.Metadata = map[string]any{"cancelled": cancelled, "failed": failed}
	r.AddAction(fmt.Sprintf("Cancelled %d/%d order(s)", cancelled, len(d.Orders)))
	if failed > 0 {
		r.AddAction(fmt.Sprintf("%d cancellation(s) failed (likely already filled or cancelled)", failed))
	}
	r.AddAction("Reset state to IDLE")

	r.Success = true
	r.Reason = fmt.Sprintf("Cancelled %d orphaned order(s) and reset to IDLE", cancelled)
	return e.save(state, r)
}

// moveTo applies a table transition, forcing the stage when the table does
// not cover the current one. Stages that carry no position drop it.
func moveTo(state *models.BotState, to models.Stage, condition string) {
	if err := state.Transition(to, condition); err == nil {
		return
	}
	state.ForceStage(to)
	switch to {
	case models.StageIdle, models.StageScanning:
		state.ResetPosition()
	case models.StageCompleted:
		if state.CurrentPosition != nil {
			state.CompletedTrade = models.SummarizeTrade(state.CurrentPosition)
		}
		state.ResetPosition()
	}
}

func truncateID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}
