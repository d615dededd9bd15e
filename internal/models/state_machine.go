// Package models provides the persisted bot state and the trading-cycle stage machine.
package models

import (
	"fmt"
)

// Stage is one discrete state of the trading cycle.
type Stage string

const (
	StageIdle           Stage = "IDLE"            // No cycle in progress
	StageScanning       Stage = "SCANNING"        // Looking for a market
	StageBuyPlaced      Stage = "BUY_PLACED"      // BUY order accepted by the exchange
	StageBuyMonitoring  Stage = "BUY_MONITORING"  // Polling the BUY order
	StageBuyFilled      Stage = "BUY_FILLED"      // Holding tokens, SELL not yet placed
	StageSellPlaced     Stage = "SELL_PLACED"     // SELL order accepted by the exchange
	StageSellMonitoring Stage = "SELL_MONITORING" // Polling the SELL order
	StageCompleted      Stage = "COMPLETED"       // SELL filled, statistics pending
)

// stageAny matches every stage in the transition table.
const stageAny Stage = "*"

// Transition conditions
const (
	ConditionCycleStarted       = "cycle_started"
	ConditionBuyPlaced          = "buy_placed"
	ConditionCapitalExhausted   = "capital_exhausted"
	ConditionPositionTooSmall   = "position_too_small"
	ConditionPositionAdopted    = "position_adopted"
	ConditionMonitoringStarted  = "monitoring_started"
	ConditionBuyFilled          = "buy_filled"
	ConditionBuyAbandoned       = "buy_abandoned"
	ConditionSellPlaced         = "sell_placed"
	ConditionPositionInvalid    = "position_invalid"
	ConditionSellFilled         = "sell_filled"
	ConditionSellRetry          = "sell_retry"
	ConditionPositionExited     = "position_exited"
	ConditionCycleCompleted     = "cycle_completed"
	ConditionReconcilePhantom   = "reconcile_phantom"
	ConditionReconcileHistory   = "reconcile_history"
	ConditionReset              = "reset"
	ConditionReconcileOrphan    = "reconcile_orphan"
	ConditionReconcileLastTrade = "reconcile_last_trade"
)

// AllStages lists every known stage in cycle order.
var AllStages = []Stage{
	StageIdle, StageScanning, StageBuyPlaced, StageBuyMonitoring,
	StageBuyFilled, StageSellPlaced, StageSellMonitoring, StageCompleted,
}

// StageTransition defines a valid stage transition
type StageTransition struct {
	From        Stage
	To          Stage
	Condition   string
	Description string
}

// ValidTransitions is the full transition table of the trading cycle.
var ValidTransitions = []StageTransition{
	// Normal cycle
	{StageIdle, StageScanning, ConditionCycleStarted, "New cycle started"},
	{StageScanning, StageBuyPlaced, ConditionBuyPlaced, "BUY order placed on selected market"},
	{StageBuyPlaced, StageBuyMonitoring, ConditionMonitoringStarted, "Begin polling BUY order"},
	{StageBuyMonitoring, StageBuyFilled, ConditionBuyFilled, "BUY order filled"},
	{StageBuyFilled, StageSellPlaced, ConditionSellPlaced, "SELL order placed"},
	{StageSellPlaced, StageSellMonitoring, ConditionMonitoringStarted, "Begin polling SELL order"},
	{StageSellMonitoring, StageCompleted, ConditionSellFilled, "SELL order filled"},
	{StageCompleted, StageIdle, ConditionCycleCompleted, "Statistics applied, cycle closed"},

	// Failure and alternate paths
	{StageScanning, StageIdle, ConditionCapitalExhausted, "Balance below configured minimum"},
	{StageScanning, StageIdle, ConditionPositionTooSmall, "Computed size below platform minimum"},
	{StageScanning, StageBuyFilled, ConditionPositionAdopted, "Existing exchange position adopted before buying"},
	{StageBuyMonitoring, StageScanning, ConditionBuyAbandoned, "BUY cancelled, expired, timed out or liquidity deteriorated"},
	{StageBuyFilled, StageScanning, ConditionPositionInvalid, "Dust, failed validation or manual sale"},
	{StageSellMonitoring, StageBuyFilled, ConditionSellRetry, "SELL cancelled or expired, place it again"},
	{StageSellMonitoring, StageScanning, ConditionPositionExited, "Stop-loss, deterioration, timeout or manual sale"},
	{StageSellMonitoring, StageCompleted, ConditionReconcileLastTrade, "SELL order gone and no tokens left"},

	// Reconciliation
	{StageIdle, StageBuyFilled, ConditionReconcilePhantom, "Exchange position adopted into empty state"},
	{StageCompleted, StageBuyFilled, ConditionReconcilePhantom, "Exchange position adopted after completed cycle"},
	{StageBuyFilled, StageCompleted, ConditionReconcileHistory, "Ledger shows the position was already sold"},
	{stageAny, StageIdle, ConditionReconcileOrphan, "Orphaned orders cancelled"},
	{stageAny, StageIdle, ConditionReset, "State reset to a clean slate"},
}

// IsKnown reports whether s is one of the defined stages.
func (s Stage) IsKnown() bool {
	for _, st := range AllStages {
		if st == s {
			return true
		}
	}
	return false
}

// RequiresPosition reports whether a position record must exist in stage s.
func (s Stage) RequiresPosition() bool {
	switch s {
	case StageBuyPlaced, StageBuyMonitoring, StageBuyFilled, StageSellPlaced, StageSellMonitoring:
		return true
	default:
		return false
	}
}

// legacyStages maps stage strings written by older schema versions.
var legacyStages = map[string]Stage{
	"stage2_scanning":        StageScanning,
	"stage2_order_placed":    StageBuyPlaced,
	"stage3_buy_monitoring":  StageBuyMonitoring,
	"stage4_sell_placed":     StageSellPlaced,
	"stage4_sell_monitoring": StageSellMonitoring,
	"completed":              StageIdle,
	"initial":                StageIdle,
	"unknown":                StageIdle,
}

// ParseStage resolves a persisted stage string, including legacy names.
// The second return value is false when the string is not recognized at all.
func ParseStage(raw string) (Stage, bool) {
	s := Stage(raw)
	if s.IsKnown() {
		return s, true
	}
	if legacy, ok := legacyStages[raw]; ok {
		return legacy, true
	}
	return StageIdle, false
}

// IsValidTransition checks whether moving from -> to with condition is allowed.
func IsValidTransition(from, to Stage, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From != from && tr.From != stageAny {
			continue
		}
		if tr.To != to {
			continue
		}
		if conditionMatches(tr.Condition, condition) {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", from, to, condition)
}

// conditionMatches checks if the condition requirements are satisfied
func conditionMatches(transitionCondition, providedCondition string) bool {
	if transitionCondition == "" {
		return true
	}
	return providedCondition == transitionCondition
}

// Description returns a human-readable description of a stage.
func (s Stage) Description() string {
	switch s {
	case StageIdle:
		return "Waiting to start a new cycle"
	case StageScanning:
		return "Ranking markets and sizing the next BUY"
	case StageBuyPlaced:
		return "BUY order placed, monitoring not started"
	case StageBuyMonitoring:
		return "Waiting for the BUY order to fill"
	case StageBuyFilled:
		return "Holding tokens, preparing SELL"
	case StageSellPlaced:
		return "SELL order placed, monitoring not started"
	case StageSellMonitoring:
		return "Waiting for the SELL order to fill"
	case StageCompleted:
		return "Cycle finished, recording statistics"
	default:
		return "Unknown stage"
	}
}
