package models

// DiscrepancyType classifies a mismatch between persisted state and the exchange.
type DiscrepancyType string

const (
	DiscrepancyPhantomPosition DiscrepancyType = "PHANTOM_POSITION"
	DiscrepancyMissingPosition DiscrepancyType = "MISSING_POSITION"
	DiscrepancySharesMismatch  DiscrepancyType = "SHARES_MISMATCH"
	DiscrepancyOrphanedOrder   DiscrepancyType = "ORPHANED_ORDER"
	DiscrepancyInvalidState    DiscrepancyType = "INVALID_STATE"
)

// Severity of a discrepancy.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// RecoveryStrategy names the repair applied to a discrepancy.
type RecoveryStrategy string

const (
	StrategySyncFromAPI     RecoveryStrategy = "SYNC_FROM_API"
	StrategySyncFromHistory RecoveryStrategy = "SYNC_FROM_HISTORY"
	StrategyUpdateShares    RecoveryStrategy = "UPDATE_SHARES"
	StrategyResetToIdle     RecoveryStrategy = "RESET_TO_IDLE"
	StrategyCancelAndReset  RecoveryStrategy = "CANCEL_AND_RESET"
)

// OrderSnapshot is the exchange-side view of one open order.
type OrderSnapshot struct {
	OrderID      string  `json:"order_id"`
	MarketID     int     `json:"market_id"`
	Side         string  `json:"side"`
	Status       string  `json:"status"`
	Price        float64 `json:"price"`
	FilledShares float64 `json:"filled_shares"`
}

// Snapshot captures one side of a discrepancy.
type Snapshot struct {
	Stage       Stage   `json:"stage,omitempty"`
	MarketID    int     `json:"market_id"`
	TokenID     string  `json:"token_id,omitempty"`
	OutcomeSide string  `json:"outcome_side,omitempty"`
	Shares      float64 `json:"shares"`
}

// Discrepancy is a detected inconsistency with a suggested repair.
type Discrepancy struct {
	Type              DiscrepancyType  `json:"type"`
	Severity          Severity         `json:"severity"`
	Description       string           `json:"description"`
	State             Snapshot         `json:"state"`
	Exchange          Snapshot         `json:"exchange"`
	Orders            []OrderSnapshot  `json:"orders,omitempty"`
	ActualOutcomeSide string           `json:"actual_outcome_side,omitempty"`
	SharesDiff        float64          `json:"shares_diff,omitempty"`
	SuggestedStrategy RecoveryStrategy `json:"suggested_strategy"`
}

// RecoveryResult reports what a repair strategy did.
type RecoveryResult struct {
	Success      bool              `json:"success"`
	Strategy     RecoveryStrategy  `json:"strategy"`
	Actions      []string          `json:"actions"`
	StateChanges map[string]string `json:"state_changes,omitempty"`
	Reason       string            `json:"reason"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// AddAction appends an action description.
func (r *RecoveryResult) AddAction(action string) {
	r.Actions = append(r.Actions, action)
}

// SetChange records a before/after change of one state field.
func (r *RecoveryResult) SetChange(field, value string) {
	if r.StateChanges == nil {
		r.StateChanges = make(map[string]string)
	}
	r.StateChanges[field] = value
}
