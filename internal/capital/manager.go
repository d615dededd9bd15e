// Package capital sizes positions from the available USDT balance.
package capital

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInsufficientCapital means the balance dropped below the floor required to keep trading.
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrPositionTooSmall means the computed size is below the exchange minimum.
	ErrPositionTooSmall = errors.New("position size too small")
)

const (
	ModeFixed      = "fixed"
	ModePercentage = "percentage"
)

// SizingError carries the numbers behind a sizing failure.
type SizingError struct {
	Kind     error
	Balance  float64
	Size     float64
	Required float64
}

func (e *SizingError) Error() string {
	if errors.Is(e.Kind, ErrInsufficientCapital) {
		return fmt.Sprintf("%v: balance %.2f USDT (minimum required: %.2f USDT)", e.Kind, e.Balance, e.Required)
	}
	return fmt.Sprintf("%v: %.2f USDT (platform minimum: %.2f USDT)", e.Kind, e.Size, e.Required)
}

func (e *SizingError) Unwrap() error { return e.Kind }

type Config struct {
	Mode                 string
	FixedAmount          float64
	Percentage           float64
	MinBalance           float64
	MinPosition          float64
	MinPositionForPoints float64
	WarnBelowPoints      bool
}

// BalanceSource is the slice of the exchange gateway the manager needs.
type BalanceSource interface {
	GetUSDTBalance(ctx context.Context) (float64, error)
}

type Manager struct {
	config  Config
	balance BalanceSource
	logger  logrus.FieldLogger
}

func NewManager(config Config, balance BalanceSource, logger logrus.FieldLogger) *Manager {
	if balance == nil {
		panic("capital: nil balance source")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{config: config, balance: balance, logger: logger.WithField("component", "capital")}
}

// PositionSize returns the USDT notional for the next BUY.
func (m *Manager) PositionSize(ctx context.Context) (float64, error) {
	balance, err := m.balance.GetUSDTBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("query USDT balance: %w", err)
	}
	m.logger.Infof("Current USDT balance: %.2f", balance)

	if balance < m.config.MinBalance {
		err := &SizingError{Kind: ErrInsufficientCapital, Balance: balance, Required: m.config.MinBalance}
		m.logger.Error(err.Error())
		return 0, err
	}

	var size float64
	switch m.config.Mode {
	case ModeFixed:
		size = m.config.FixedAmount
	case ModePercentage:
		size = balance * m.config.Percentage / 100
		m.logger.Debugf("Percentage mode: %.1f%% of %.2f = %.2f", m.config.Percentage, balance, size)
	default:
		return 0, fmt.Errorf("invalid capital mode %q (must be %q or %q)", m.config.Mode, ModeFixed, ModePercentage)
	}

	if size < m.config.MinPosition {
		err := &SizingError{Kind: ErrPositionTooSmall, Balance: balance, Size: size, Required: m.config.MinPosition}
		m.logger.Error(err.Error())
		return 0, err
	}
	if m.config.WarnBelowPoints && size < m.config.MinPositionForPoints {
		m.logger.Warnf("Position %.2f USDT is below %.2f USDT and will not earn points", size, m.config.MinPositionForPoints)
	}

	m.logger.Infof("Position size calculated: %.2f USDT", size)
	return size, nil
}
