// Package validator checks positions against exchange reality and recovers
// identifiers and fill data the local state lost.
package validator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// Recommended follow-ups of a failed validation.
const (
	ActionContinue        = "continue"
	ActionResetToScanning = "reset_to_scanning"
	ActionAbandon         = "abandon"
)

// mismatchCorrectionPct is the missing-share percentage above which the
// recorded amount is corrected to the exchange value.
const mismatchCorrectionPct = 5.0

// Exchange is the subset of the gateway the validator reads.
type Exchange interface {
	GetMarket(ctx context.Context, marketID int) (*exchange.Market, error)
	GetMyOrders(ctx context.Context, q exchange.OrderQuery) ([]exchange.Order, error)
	GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error)
	GetPositions(ctx context.Context, marketID *int) ([]exchange.Position, error)
}

// Config holds validation thresholds.
type Config struct {
	MinSellableShares      float64
	MinOrderValueUSDT      float64
	ManualSaleThresholdPct float64
	DustThreshold          float64
}

// DefaultConfig matches the exchange minimums.
var DefaultConfig = Config{
	MinSellableShares:      5,
	MinOrderValueUSDT:      1.30,
	ManualSaleThresholdPct: 95,
	DustThreshold:          5,
}

// Result of a validation check. A zero Result is not valid; use ok().
type Result struct {
	Valid  bool
	Reason string
	Action string
}

func ok() Result { return Result{Valid: true, Action: ActionContinue} }

// Validator holds the exchange client and thresholds.
type Validator struct {
	exchange Exchange
	config   Config
	logger   logrus.FieldLogger
}

// New creates a Validator. Zero thresholds fall back to DefaultConfig.
func New(ex Exchange, config Config, logger logrus.FieldLogger) *Validator {
	if ex == nil {
		panic("validator.New: exchange must not be nil")
	}
	if config.MinSellableShares <= 0 {
		config.MinSellableShares = DefaultConfig.MinSellableShares
	}
	if config.MinOrderValueUSDT <= 0 {
		config.MinOrderValueUSDT = DefaultConfig.MinOrderValueUSDT
	}
	if config.ManualSaleThresholdPct <= 0 {
		config.ManualSaleThresholdPct = DefaultConfig.ManualSaleThresholdPct
	}
	if config.DustThreshold <= 0 {
		config.DustThreshold = DefaultConfig.DustThreshold
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{exchange: ex, config: config, logger: logger.WithField("component", "validator")}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.config }

// ValidTokenID reports whether a token id can be used for exchange calls.
func ValidTokenID(tokenID string) bool {
	return tokenID != "" && tokenID != models.OrderIDUnknown
}

// ValidateTokenID returns tokenID when usable, otherwise the token recovered
// from the market's outcome. The bool is false when neither works.
func (v *Validator) ValidateTokenID(ctx context.Context, tokenID string, marketID int, outcomeSide string) (string, bool) {
	if ValidTokenID(tokenID) {
		return tokenID, true
	}
	v.logger.Warnf("Invalid token_id %q, recovering from market #%d", tokenID, marketID)
	r := v.RecoverTokenIDFromMarket(ctx, marketID, outcomeSide)
	if !r.Success {
		v.logger.Errorf("Token recovery failed: %s", r.Reason)
		return "", false
	}
	return r.TokenID, true
}

// CheckDustByShares flags positions below the sellable share minimum.
func (v *Validator) CheckDustByShares(filled float64) Result {
	if filled < v.config.MinSellableShares {
		v.logger.Warnf("DUST POSITION: %.4f shares below the %.1f share minimum; it accumulates with future positions on this market",
			filled, v.config.MinSellableShares)
		return Result{
			Reason: fmt.Sprintf("Dust position: %.4f shares < %g minimum", filled, v.config.MinSellableShares),
			Action: ActionResetToScanning,
		}
	}
	return ok()
}

// SellableValue is the notional the exchange accepts for a SELL: shares are
// floored to one decimal first.
func SellableValue(filled, price float64) float64 {
	return util.FloorTo(filled, 1) * price
}

// CheckDustByValue flags positions whose SELL notional is below the
// exchange minimum order value.
func (v *Validator) CheckDustByValue(filled, price float64) Result {
	value := SellableValue(filled, price)
	if value < v.config.MinOrderValueUSDT {
		v.logger.Warnf("DUST POSITION: %.4f shares @ %.4f is worth %.2f USDT after rounding, minimum %.2f",
			filled, price, value, v.config.MinOrderValueUSDT)
		return Result{
			Reason: fmt.Sprintf("Order value $%.2f < $%.2f minimum", value, v.config.MinOrderValueUSDT),
			Action: ActionResetToScanning,
		}
	}
	return ok()
}

// DetectManualSale compares expected and actual shares. Above the manual-sale
// threshold the position is treated as sold outside the bot. A smaller but
// material mismatch stays valid; the caller corrects the recorded amount.
func (v *Validator) DetectManualSale(expected, actual float64) Result {
	if expected <= 0 {
		return ok()
	}
	missingPct := (expected - actual) / expected * 100
	v.logger.Debugf("Expected %.4f tokens, actual %.4f (%.1f%% missing)", expected, actual, missingPct)

	switch {
	case missingPct > v.config.ManualSaleThresholdPct:
		v.logger.Warnf("MANUAL SALE DETECTED: expected %.4f tokens, found %.4f (%.1f%% missing)", expected, actual, missingPct)
		if actual < v.config.DustThreshold {
			v.logger.Info("Remaining tokens are dust, resetting to scanning")
		}
		return Result{
			Reason: fmt.Sprintf("Manual sale detected: %.1f%% of position missing", missingPct),
			Action: ActionResetToScanning,
		}
	case missingPct > mismatchCorrectionPct:
		v.logger.Warnf("Position mismatch: %.1f%% difference, using actual %.4f", missingPct, actual)
		r := ok()
		r.Reason = fmt.Sprintf("Position mismatch: %.1f%% difference (updated to actual)", missingPct)
		return r
	}
	return ok()
}

// VerifyActualPosition fetches the held shares and runs manual-sale
// detection when expected > 0. Exchange errors are non-blocking: the
// expected amount is returned as held.
func (v *Validator) VerifyActualPosition(ctx context.Context, marketID int, outcomeSide string, expected float64) (bool, float64, string) {
	actual, err := v.exchange.GetPositionShares(ctx, marketID, outcomeSide)
	if err != nil {
		v.logger.Warnf("Could not verify position (non-critical): %v", err)
		return true, expected, ""
	}
	v.logger.Infof("Actual position: %.4f tokens", actual)
	if expected > 0 {
		if r := v.DetectManualSale(expected, actual); !r.Valid {
			return false, actual, r.Reason
		}
	}
	return true, actual, ""
}
