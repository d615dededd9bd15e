package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// SchemaVersion is the current state document version.
const SchemaVersion = "1.0"

// Outcome sides of a binary market.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// OrderIDUnknown marks a BUY whose order id was not returned by the exchange.
const OrderIDUnknown = "unknown"

// Position is the single active trading position with both order legs.
type Position struct {
	MarketID    int    `json:"market_id"`
	MarketTitle string `json:"market_title,omitempty"`
	TokenID     string `json:"token_id"`
	OutcomeSide string `json:"outcome_side"`
	IsBonus     bool   `json:"is_bonus,omitempty"`

	// BUY leg
	OrderID        string    `json:"order_id"`
	Side           string    `json:"side,omitempty"`
	Price          float64   `json:"price"`
	AmountUSDT     float64   `json:"amount_usdt"`
	InitialBestBid float64   `json:"initial_best_bid,omitempty"`
	PlacedAt       time.Time `json:"placed_at,omitzero"`
	FilledAmount   float64   `json:"filled_amount"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	FilledUSDT     float64   `json:"filled_usdt"`
	FillTimestamp  time.Time `json:"fill_timestamp,omitzero"`

	// SELL leg
	SellOrderID       string    `json:"sell_order_id,omitempty"`
	SellPrice         float64   `json:"sell_price,omitempty"`
	OriginalSellPrice float64   `json:"original_sell_price,omitempty"`
	SellPlacedAt      time.Time `json:"sell_placed_at,omitzero"`
	SellFilledAmount  float64   `json:"sell_filled_amount,omitempty"`
	AvgSellPrice      float64   `json:"avg_sell_price,omitempty"`
	SellProceeds      float64   `json:"sell_proceeds,omitempty"`
	SellFillTimestamp time.Time `json:"sell_fill_timestamp,omitzero"`

	RealizedPnLUSDT    float64 `json:"realized_pnl_usdt,omitempty"`
	RealizedPnLPercent float64 `json:"realized_pnl_percent,omitempty"`

	StopLossTriggered   bool      `json:"stop_loss_triggered,omitempty"`
	StopLossTriggeredAt time.Time `json:"stop_loss_triggered_at,omitzero"`

	Recovered         bool      `json:"recovered,omitempty"`
	RecoveryReason    string    `json:"recovery_reason,omitempty"`
	RecoveryTimestamp time.Time `json:"recovery_timestamp,omitzero"`
}

// HasBuyOrderID reports whether the BUY order id is usable for lookups.
func (p *Position) HasBuyOrderID() bool {
	return p.OrderID != "" && p.OrderID != OrderIDUnknown
}

// BuyPrice returns the best known entry price: the average fill, else the limit price.
func (p *Position) BuyPrice() float64 {
	if p.AvgFillPrice > 0 {
		return p.AvgFillPrice
	}
	return p.Price
}

// ClearSell drops the SELL leg so a new SELL can be placed.
func (p *Position) ClearSell() {
	p.SellOrderID = ""
	p.SellPrice = 0
	p.OriginalSellPrice = 0
	p.SellPlacedAt = time.Time{}
}

// RecordSellFill stores SELL fill data and computes realized P&L against the BUY leg.
func (p *Position) RecordSellFill(filled, avgPrice, proceeds float64, at time.Time) {
	p.SellFilledAmount = filled
	p.AvgSellPrice = avgPrice
	p.SellProceeds = proceeds
	p.SellFillTimestamp = at
	cost := p.FilledUSDT
	if cost <= 0 {
		cost = p.FilledAmount * p.BuyPrice()
	}
	p.RealizedPnLUSDT = proceeds - cost
	if cost > 0 {
		p.RealizedPnLPercent = p.RealizedPnLUSDT / cost * 100
	} else {
		p.RealizedPnLPercent = 0
	}
}

// UnrealizedLossPercent returns (bid - buy)/buy * 100. Zero when the buy price is unknown.
func (p *Position) UnrealizedLossPercent(bestBid float64) float64 {
	return util.PercentChange(p.BuyPrice(), bestBid)
}

// Statistics are cumulative counters that survive position resets.
type Statistics struct {
	TotalTrades       int     `json:"total_trades"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	TotalPnLUSDT      float64 `json:"total_pnl_usdt"`
	TotalPnLPercent   float64 `json:"total_pnl_percent"`
	WinRatePercent    float64 `json:"win_rate_percent"`
}

// ApplyTrade records one completed round trip.
func (s *Statistics) ApplyTrade(pnl float64) {
	s.TotalTrades++
	if pnl > 0 {
		s.Wins++
		s.ConsecutiveLosses = 0
	} else {
		s.Losses++
		s.ConsecutiveLosses++
	}
	s.TotalPnLUSDT += pnl
	s.TotalPnLPercent = s.TotalPnLUSDT / float64(s.TotalTrades)
	s.WinRatePercent = float64(s.Wins) / float64(s.TotalTrades) * 100
}

// RecordStopLoss counts a stop-loss exit as a loss without closing a trade.
func (s *Statistics) RecordStopLoss() {
	s.Losses++
	s.ConsecutiveLosses++
}

// TradeSummary is a closed round trip waiting to be applied to statistics.
type TradeSummary struct {
	MarketID    int       `json:"market_id"`
	MarketTitle string    `json:"market_title,omitempty"`
	OutcomeSide string    `json:"outcome_side"`
	Shares      float64   `json:"shares"`
	BuyCost     float64   `json:"buy_cost"`
	Proceeds    float64   `json:"proceeds"`
	PnLUSDT     float64   `json:"pnl_usdt"`
	PnLPercent  float64   `json:"pnl_percent"`
	CompletedAt time.Time `json:"completed_at"`
}

// SummarizeTrade builds a trade summary from a position with a recorded SELL fill.
func SummarizeTrade(p *Position) *TradeSummary {
	at := p.SellFillTimestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &TradeSummary{
		MarketID:    p.MarketID,
		MarketTitle: p.MarketTitle,
		OutcomeSide: p.OutcomeSide,
		Shares:      p.SellFilledAmount,
		BuyCost:     p.FilledUSDT,
		Proceeds:    p.SellProceeds,
		PnLUSDT:     p.RealizedPnLUSDT,
		PnLPercent:  p.RealizedPnLPercent,
		CompletedAt: at,
	}
}

// BotState is the single persisted aggregate.
type BotState struct {
	Version         string        `json:"version"`
	Stage           Stage         `json:"stage"`
	CycleNumber     int           `json:"cycle_number"`
	CurrentPosition *Position     `json:"current_position"`
	Statistics      Statistics    `json:"statistics"`
	CompletedTrade  *TradeSummary `json:"completed_trade,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUpdatedAt   time.Time     `json:"last_updated_at"`

	previousStage Stage
}

// ErrInvariant is returned when position presence does not match the stage.
var ErrInvariant = errors.New("position/stage invariant violated")

// NewBotState returns a fresh IDLE state with zero statistics.
func NewBotState() *BotState {
	now := time.Now().UTC()
	return &BotState{
		Version:       SchemaVersion,
		Stage:         StageIdle,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// Transition moves the state to a new stage if the table allows it.
func (s *BotState) Transition(to Stage, condition string) error {
	if err := IsValidTransition(s.Stage, to, condition); err != nil {
		return err
	}
	s.previousStage = s.Stage
	s.Stage = to
	switch to {
	case StageCompleted:
		if s.CurrentPosition != nil {
			s.CompletedTrade = SummarizeTrade(s.CurrentPosition)
		}
		s.CurrentPosition = nil
	case StageIdle, StageScanning:
		s.CurrentPosition = nil
	}
	return nil
}

// TakeCompletedTrade returns the pending trade summary and clears it.
func (s *BotState) TakeCompletedTrade() *TradeSummary {
	t := s.CompletedTrade
	s.CompletedTrade = nil
	return t
}

// ForceStage sets the stage without consulting the transition table.
// Used only for corrupted-state recovery.
func (s *BotState) ForceStage(to Stage) {
	s.previousStage = s.Stage
	s.Stage = to
}

// PreviousStage returns the stage before the last transition in this process.
func (s *BotState) PreviousStage() Stage {
	return s.previousStage
}

// ResetPosition clears the active position. Statistics are kept.
func (s *BotState) ResetPosition() {
	s.CurrentPosition = nil
}

// ValidateInvariant checks that a position exists iff the stage requires one.
func (s *BotState) ValidateInvariant() error {
	needs := s.Stage.RequiresPosition()
	has := s.CurrentPosition != nil
	switch {
	case needs && !has:
		return fmt.Errorf("%w: stage %s has no position", ErrInvariant, s.Stage)
	case !needs && has:
		return fmt.Errorf("%w: stage %s carries a position", ErrInvariant, s.Stage)
	}
	return nil
}

// RepairInvariant restores the invariant with the least destructive change
// and reports whether anything was modified.
func (s *BotState) RepairInvariant() bool {
	if s.ValidateInvariant() == nil {
		return false
	}
	if s.Stage.RequiresPosition() {
		s.Stage = StageIdle
	} else {
		s.CurrentPosition = nil
	}
	return true
}

// Clone returns a deep copy of the state.
func (s *BotState) Clone() *BotState {
	c := *s
	if s.CurrentPosition != nil {
		p := *s.CurrentPosition
		c.CurrentPosition = &p
	}
	if s.CompletedTrade != nil {
		t := *s.CompletedTrade
		c.CompletedTrade = &t
	}
	return &c
}
