package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// Thresholds for picking a resting order out of the order history.
const (
	recoverMaxFilledUSDT = 0.10
	recoverMinOrderUSDT  = 0.10
	recoverOrderLimit    = 20
)

// RecoveryResult is the outcome of a recovery helper. Helpers never return
// errors; failures carry a reason.
type RecoveryResult struct {
	Success      bool
	OrderID      string
	TokenID      string
	FilledAmount float64
	AvgFillPrice float64
	Reason       string
}

func failed(format string, args ...any) RecoveryResult {
	return RecoveryResult{Reason: fmt.Sprintf(format, args...)}
}

// RecoverOrderIDFromAPI finds the resting order of the given side on a
// market, for states that recorded the order id as unknown.
func (v *Validator) RecoverOrderIDFromAPI(ctx context.Context, marketID int, side string) RecoveryResult {
	v.logger.Warnf("Order id unknown, searching open orders on market #%d", marketID)
	orders, err := v.exchange.GetMyOrders(ctx, exchange.OrderQuery{MarketID: marketID, Status: "PENDING", Limit: recoverOrderLimit})
	if err != nil {
		return failed("API error: %v", err)
	}
	for _, o := range orders {
		log := v.logger.WithField("order_id", o.OrderID)
		switch {
		case o.FilledAmount > recoverMaxFilledUSDT:
			log.Debugf("Skipping: already filled %.2f USDT", o.FilledAmount)
		case o.OrderAmount < recoverMinOrderUSDT:
			log.Debug("Skipping: dust order")
		case !strings.EqualFold(o.Side, side):
			log.Debugf("Skipping: side %s != %s", o.Side, side)
		case o.OrderID == "":
			log.Debug("Skipping: no order id")
		default:
			log.Infof("Recovered %s order at %.4f for %.2f USDT", side, o.Price, o.OrderAmount)
			return RecoveryResult{Success: true, OrderID: o.OrderID, Reason: fmt.Sprintf("Recovered %s order from API", side)}
		}
	}
	return failed("No pending orders found in API")
}

// RecoverTokenIDFromMarket reads the outcome token id from market details.
func (v *Validator) RecoverTokenIDFromMarket(ctx context.Context, marketID int, outcomeSide string) RecoveryResult {
	m, err := v.exchange.GetMarket(ctx, marketID)
	if err != nil {
		return failed("Exception: %v", err)
	}
	if m == nil {
		return failed("Market #%d not found", marketID)
	}
	tokenID := m.TokenFor(strings.ToUpper(outcomeSide))
	if tokenID == "" {
		return failed("Market details missing token_id field")
	}
	v.logger.Infof("Recovered token_id %s", truncateID(tokenID))
	return RecoveryResult{Success: true, TokenID: tokenID, Reason: "Recovered from market details"}
}

// CheckIfAlreadyFilled reports whether at least one share is held, i.e. an
// order filled without the state noticing.
func (v *Validator) CheckIfAlreadyFilled(ctx context.Context, marketID int, outcomeSide string) (bool, float64) {
	shares, err := v.exchange.GetPositionShares(ctx, marketID, outcomeSide)
	if err != nil {
		v.logger.Warnf("Could not check position: %v", err)
		return false, 0
	}
	if shares >= 1 {
		v.logger.Infof("Order already filled: %.4f tokens held", shares)
		return true, shares
	}
	return false, shares
}

// FindOrphanedPositions lists holdings of at least minShares, largest first.
// Errors yield an empty list.
func (v *Validator) FindOrphanedPositions(ctx context.Context, minShares float64) []exchange.Position {
	all, err := v.exchange.GetPositions(ctx, nil)
	if err != nil {
		v.logger.Warnf("Could not search for orphaned positions: %v", err)
		return nil
	}
	var out []exchange.Position
	for _, p := range all {
		if p.SharesOwned >= minShares {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SharesOwned > out[j].SharesOwned })
	for i, p := range out {
		v.logger.Infof("Orphaned %d: market #%d %.2f %s shares", i+1, p.MarketID, p.SharesOwned, p.OutcomeSide)
	}
	return out
}

// RecoverFillDataFromPosition rebuilds fill data from the held shares when
// the order response carried none. The order price stands in for the
// average fill price.
func (v *Validator) RecoverFillDataFromPosition(ctx context.Context, marketID int, outcomeSide string, orderPrice float64) RecoveryResult {
	shares, err := v.exchange.GetPositionShares(ctx, marketID, outcomeSide)
	if err != nil {
		return failed("Exception: %v", err)
	}
	if shares <= 0 {
		return failed("Position not found or zero tokens")
	}
	avg := orderPrice
	if avg <= 0 {
		avg = 0.01
	}
	v.logger.Infof("Recovered filled amount %.6f tokens", shares)
	return RecoveryResult{Success: true, FilledAmount: shares, AvgFillPrice: avg, Reason: "Recovered from position API"}
}

// RepairPosition fills in a missing token id and BUY order id on p. It
// reports whether anything changed.
func (v *Validator) RepairPosition(ctx context.Context, p *models.Position) bool {
	changed := false
	if !ValidTokenID(p.TokenID) {
		if tok, ok := v.ValidateTokenID(ctx, p.TokenID, p.MarketID, p.OutcomeSide); ok {
			p.TokenID = tok
			changed = true
		}
	}
	if !p.HasBuyOrderID() && p.FilledAmount == 0 {
		if r := v.RecoverOrderIDFromAPI(ctx, p.MarketID, exchange.SideBuy); r.Success {
			p.OrderID = r.OrderID
			changed = true
		}
	}
	return changed
}

func truncateID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}
