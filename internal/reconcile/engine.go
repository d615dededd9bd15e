// Package reconcile compares the persisted bot state with the exchange before
// every stage and repairs the state when the two disagree.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/notify"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const (
	orphanOrderLimit = 10
	// oppositeSideRatio is the share of the expected amount the opposite
	// outcome must hold before it is adopted as the real side.
	oppositeSideRatio = 0.9
	// largeMismatchShares separates HIGH from MEDIUM share mismatches.
	largeMismatchShares = 10.0
)

// Exchange is the subset of the gateway reconciliation needs.
type Exchange interface {
	GetMarket(ctx context.Context, marketID int) (*exchange.Market, error)
	GetOrderbook(ctx context.Context, tokenID string) (*exchange.Orderbook, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetMyOrders(ctx context.Context, q exchange.OrderQuery) ([]exchange.Order, error)
	GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error)
	GetPositions(ctx context.Context, marketID *int) ([]exchange.Position, error)
}

// History is the ledger view used to price adopted positions and to decide
// whether a missing position was already sold.
type History interface {
	TransactionsForMarket(marketID int) ([]storage.Transaction, error)
}

// Alerter dispatches fire-and-forget notifications.
type Alerter interface {
	Async(event, title, message string) string
}

// Config holds detection thresholds.
type Config struct {
	DustThreshold  float64
	ShareTolerance float64
}

// DefaultConfig is used for zero-valued fields.
var DefaultConfig = Config{DustThreshold: 5, ShareTolerance: 0.01}

// Engine detects and repairs state/exchange discrepancies.
type Engine struct {
	exchange Exchange
	store    storage.StateStore
	history  History
	alerter  Alerter
	config   Config
	logger   logrus.FieldLogger
}

// New creates an Engine. history and alerter may be nil.
func New(ex Exchange, store storage.StateStore, history History, alerter Alerter, config Config, logger logrus.FieldLogger) *Engine {
	if ex == nil || store == nil {
		panic("reconcile.New: exchange and store must not be nil")
	}
	if config.DustThreshold <= 0 {
		config.DustThreshold = DefaultConfig.DustThreshold
	}
	if config.ShareTolerance <= 0 {
		config.ShareTolerance = DefaultConfig.ShareTolerance
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		exchange: ex,
		store:    store,
		history:  history,
		alerter:  alerter,
		config:   config,
		logger:   logger.WithField("component", "reconcile"),
	}
}

// Config returns the effective thresholds.
func (e *Engine) Config() Config { return e.config }

// exchangeView is what the exchange reports for the recorded position.
type exchangeView struct {
	known  bool
	shares float64
	side   string
}

// DetectDiscrepancy returns the highest-priority discrepancy for state, or
// nil when state and exchange agree. Exchange errors never produce a
// discrepancy on their own.
func (e *Engine) DetectDiscrepancy(ctx context.Context, state *models.BotState) *models.Discrepancy {
	stage := state.Stage
	local := snapshotOf(state)
	view := e.probePosition(ctx, local)

	if stage == models.StageIdle || stage == models.StageScanning {
		if d := e.detectOrphanedOrders(ctx, stage); d != nil {
			return d
		}
	}

	if stage == models.StageIdle || stage == models.StageCompleted {
		if d := e.detectPhantom(ctx, local, view); d != nil {
			return d
		}
	}

	switch stage {
	case models.StageBuyFilled:
		if view.known {
			if d := e.detectShareDrift(local, view); d != nil {
				return d
			}
		}
	case models.StageSellPlaced, models.StageSellMonitoring:
		e.logger.Debugf("Stage %s: shares locked in the SELL order, skipping position check", stage)
	}

	switch stage {
	case models.StageBuyFilled, models.StageSellPlaced, models.StageSellMonitoring:
		if local.MarketID == 0 || local.Shares == 0 {
			return &models.Discrepancy{
				Type:              models.DiscrepancyInvalidState,
				Severity:          models.SeverityHigh,
				Description:       fmt.Sprintf("State has invalid data: market_id=%d, shares=%g", local.MarketID, local.Shares),
				State:             local,
				SuggestedStrategy: models.StrategyResetToIdle,
			}
		}
	}

	e.logger.Debug("No discrepancies detected")
	return nil
}

func snapshotOf(state *models.BotState) models.Snapshot {
	s := models.Snapshot{Stage: state.Stage, OutcomeSide: models.OutcomeYes}
	if p := state.CurrentPosition; p != nil {
		s.MarketID = p.MarketID
		s.TokenID = p.TokenID
		s.Shares = p.FilledAmount
		if p.OutcomeSide != "" {
			s.OutcomeSide = strings.ToUpper(p.OutcomeSide)
		}
	}
	return s
}

// probePosition reads the recorded side's shares. When the state expects a
// real position but only dust is found, the opposite side is checked and
// adopted if it holds close to the expected amount.
func (e *Engine) probePosition(ctx context.Context, local models.Snapshot) exchangeView {
	view := exchangeView{side: local.OutcomeSide}
	if local.MarketID <= 0 {
		return view
	}
	shares, err := e.exchange.GetPositionShares(ctx, local.MarketID, local.OutcomeSide)
	if err != nil {
		e.logger.Warnf("Could not fetch exchange position: %v", err)
		return view
	}
	view.known = true
	view.shares = shares
	e.logger.Debugf("Exchange position (%s): %.4f shares in market #%d", local.OutcomeSide, shares, local.MarketID)

	dust := e.config.DustThreshold
	if local.Shares > dust && shares < dust {
		opposite := oppositeSide(local.OutcomeSide)
		other, err := e.exchange.GetPositionShares(ctx, local.MarketID, opposite)
		if err != nil {
			e.logger.Debugf("Could not check %s side: %v", opposite, err)
			return view
		}
		if other >= local.Shares*oppositeSideRatio {
			e.logger.Infof("Found position on %s side instead of %s", opposite, local.OutcomeSide)
			view.shares = other
			view.side = opposite
		}
	}
	return view
}

func oppositeSide(side string) string {
	if strings.EqualFold(side, models.OutcomeNo) {
		return models.OutcomeYes
	}
	return models.OutcomeNo
}

func (e *Engine) detectOrphanedOrders(ctx context.Context, stage models.Stage) *models.Discrepancy {
	orders, err := e.exchange.GetMyOrders(ctx, exchange.OrderQuery{Status: "PENDING", Limit: orphanOrderLimit})
	if err != nil {
		e.logger.Debugf("Could not check for orphaned orders: %v", err)
		return nil
	}
	if len(orders) == 0 {
		return nil
	}
	snaps := make([]models.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		snaps = append(snaps, models.OrderSnapshot{
			OrderID:      o.OrderID,
			MarketID:     o.MarketID,
			Side:         o.Side,
			Status:       o.StatusName(),
			Price:        o.Price,
			FilledShares: o.FilledShares,
		})
	}
	first := snaps[0]
	e.logger.WithFields(logrus.Fields{"count": len(snaps), "market_id": first.MarketID, "order_id": first.OrderID}).
		Warnf("Found orphaned pending order(s): first is %s, status %s", first.Side, first.Status)
	return &models.Discrepancy{
		Type:              models.DiscrepancyOrphanedOrder,
		Severity:          models.SeverityHigh,
		Description:       fmt.Sprintf("State is %s but found %d pending order(s), likely from an incomplete cycle", stage, len(snaps)),
		State:             models.Snapshot{Stage: stage},
		Exchange:          models.Snapshot{MarketID: first.MarketID},
		Orders:            snaps,
		SuggestedStrategy: models.StrategyCancelAndReset,
	}
}

// detectPhantom finds exchange holdings the state does not know about. With
// no recorded market the largest holding above dust is reported.
func (e *Engine) detectPhantom(ctx context.Context, local models.Snapshot, view exchangeView) *models.Discrepancy {
	dust := e.config.DustThreshold
	found := models.Snapshot{MarketID: local.MarketID, OutcomeSide: view.side, Shares: view.shares}

	if local.MarketID <= 0 {
		all, err := e.exchange.GetPositions(ctx, nil)
		if err != nil {
			e.logger.Debugf("Could not list exchange positions: %v", err)
			return nil
		}
		var best *exchange.Position
		for i := range all {
			p := &all[i]
			if p.SharesOwned > dust && (best == nil || p.SharesOwned > best.SharesOwned) {
				best = p
			}
		}
		if best == nil {
			return nil
		}
		found = models.Snapshot{
			MarketID:    best.MarketID,
			TokenID:     best.TokenID,
			OutcomeSide: strings.ToUpper(best.OutcomeSide),
			Shares:      best.SharesOwned,
		}
	} else if !view.known || view.shares <= dust {
		return nil
	}

	return &models.Discrepancy{
		Type:     models.DiscrepancyPhantomPosition,
		Severity: models.SeverityHigh,
		Description: fmt.Sprintf("State is %s but exchange shows %.4f shares in market #%d",
			local.Stage, found.Shares, found.MarketID),
		State:             models.Snapshot{Stage: local.Stage, MarketID: local.MarketID},
		Exchange:          found,
		ActualOutcomeSide: found.OutcomeSide,
		SuggestedStrategy: models.StrategySyncFromAPI,
	}
}

func (e *Engine) detectShareDrift(local models.Snapshot, view exchangeView) *models.Discrepancy {
	dust := e.config.DustThreshold
	found := models.Snapshot{MarketID: local.MarketID, OutcomeSide: view.side, Shares: view.shares}
	diff := math.Abs(local.Shares - view.shares)
	sideMoved := !strings.EqualFold(view.side, local.OutcomeSide)

	switch {
	case view.shares < dust && local.Shares > dust:
		return &models.Discrepancy{
			Type:              models.DiscrepancyMissingPosition,
			Severity:          models.SeverityHigh,
			Description:       fmt.Sprintf("State expects %.4f shares but exchange shows %.4f", local.Shares, view.shares),
			State:             local,
			Exchange:          found,
			ActualOutcomeSide: view.side,
			SuggestedStrategy: models.StrategySyncFromHistory,
		}
	case diff > e.config.ShareTolerance || sideMoved:
		severity := models.SeverityMedium
		if diff > largeMismatchShares {
			severity = models.SeverityHigh
		}
		return &models.Discrepancy{
			Type:     models.DiscrepancySharesMismatch,
			Severity: severity,
			Description: fmt.Sprintf("Share mismatch: state=%.4f %s, exchange=%.4f %s, diff=%.4f",
				local.Shares, local.OutcomeSide, view.shares, view.side, diff),
			State:             local,
			Exchange:          found,
			ActualOutcomeSide: view.side,
			SharesDiff:        diff,
			SuggestedStrategy: models.StrategyUpdateShares,
		}
	}
	return nil
}

// Reconcile applies the discrepancy's suggested strategy to state, persists
// the result and returns what was done. HIGH-severity outcomes are
// announced asynchronously.
func (e *Engine) Reconcile(ctx context.Context, state *models.BotState, d *models.Discrepancy) *models.RecoveryResult {
	log := e.logger.WithFields(logrus.Fields{
		"type":     d.Type,
		"severity": d.Severity,
		"strategy": d.SuggestedStrategy,
	})
	log.Warnf("Reconciling: %s", d.Description)

	var r *models.RecoveryResult
	switch d.SuggestedStrategy {
	case models.StrategySyncFromAPI:
		r = e.syncFromAPI(ctx, state, d)
	case models.StrategyUpdateShares:
		r = e.updateShares(state, d)
	case models.StrategySyncFromHistory:
		r = e.syncFromHistory(state, d)
	case models.StrategyResetToIdle:
		r = e.resetToIdle(state, nil)
	case models.StrategyCancelAndReset:
		r = e.cancelAndReset(ctx, state, d)
	default:
		r = &models.RecoveryResult{
			Strategy: d.SuggestedStrategy,
			Reason:   fmt.Sprintf("Strategy %s not implemented", d.SuggestedStrategy),
		}
	}

	if r.Success {
		log.Infof("Reconciliation succeeded: %s", r.Reason)
		for _, a := range r.Actions {
			log.Infof("  - %s", a)
		}
	} else {
		log.Errorf("Reconciliation failed: %s", r.Reason)
	}

	if d.Severity == models.SeverityHigh && e.alerter != nil {
		title, msg := notify.ReconciliationMessage(d, r)
		e.alerter.Async(notify.EventReconciliation, title, msg)
	}
	return r
}

// save persists state and records the outcome on r.
func (e *Engine) save(state *models.BotState, r *models.RecoveryResult) *models.RecoveryResult {
	if err := e.store.Save(state); err != nil {
		r.Success = false
		r.Reason = fmt.Sprintf("%s (state not saved: %v)", r.Reason, err)
		return r
	}
	r.AddAction("Saved updated state")
	return r
}
