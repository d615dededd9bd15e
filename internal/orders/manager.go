// Package orders places orders and monitors them until they reach a terminal state.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/retry"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

// ErrInsufficientBalance is returned when the wallet cannot fund a BUY.
var ErrInsufficientBalance = errors.New("insufficient USDT balance")

// Config contains configuration for the order manager and monitors.
type Config struct {
	PollInterval       time.Duration
	BuyTimeout         time.Duration
	SellTimeout        time.Duration
	CallTimeout        time.Duration
	DustShares         float64 // SELL remainder below this is cancelled and the fill accepted
	PositionRetries    int     // position lookups before a SELL when the API reports nothing
	PositionRetryDelay time.Duration
	Liquidity          LiquidityConfig
	StopLoss           StopLossConfig
	Repricing          RepricingConfig
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval:       9 * time.Second,
	BuyTimeout:         24 * time.Hour,
	SellTimeout:        24 * time.Hour,
	CallTimeout:        30 * time.Second,
	DustShares:         5.0,
	PositionRetries:    3,
	PositionRetryDelay: 2 * time.Second,
	Liquidity: LiquidityConfig{
		AutoCancel:       true,
		BidDropThreshold: 25,
		SpreadThreshold:  15,
		CheckEvery:       5,
	},
	StopLoss: StopLossConfig{
		Enabled:          true,
		TriggerPercent:   -10,
		AggressiveOffset: 0.001,
		CheckEvery:       3,
		WaitAttempts:     6,
		WaitDelay:        5 * time.Second,
		CancelPause:      time.Second,
	},
	Repricing: RepricingConfig{
		Enabled:            true,
		CompetingVolumePct: 50,
		MaxReductionPct:    5,
		Mode:               RepriceBest,
		LiquidityTargetPct: 30,
		LiquidityReturnPct: 20,
		DynamicIncrease:    true,
		CheckEvery:         3,
		MinChangePct:       0.5,
		CancelPause:        time.Second,
	},
}

// Manager handles order execution and status polling.
type Manager struct {
	gateway exchange.Gateway
	store   storage.StateStore
	retry   *retry.Client
	logger  logrus.FieldLogger
	config  Config

	liquidity *LiquidityChecker
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewManager creates a new order manager instance.
func NewManager(
	gateway exchange.Gateway,
	store storage.StateStore,
	retryClient *retry.Client,
	logger logrus.FieldLogger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "orders")

	// Validate and clamp config values
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.BuyTimeout <= 0 {
		cfg.BuyTimeout = DefaultConfig.BuyTimeout
	}
	if cfg.SellTimeout <= 0 {
		cfg.SellTimeout = DefaultConfig.SellTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.DustShares <= 0 {
		cfg.DustShares = DefaultConfig.DustShares
	}
	if cfg.PositionRetries <= 0 {
		cfg.PositionRetries = 1
	}
	if cfg.Liquidity.CheckEvery <= 0 {
		cfg.Liquidity.CheckEvery = DefaultConfig.Liquidity.CheckEvery
	}
	if cfg.StopLoss.CheckEvery <= 0 {
		cfg.StopLoss.CheckEvery = DefaultConfig.StopLoss.CheckEvery
	}
	if cfg.Repricing.CheckEvery <= 0 {
		cfg.Repricing.CheckEvery = DefaultConfig.Repricing.CheckEvery
	}
	if cfg.Repricing.Mode == "" {
		cfg.Repricing.Mode = RepriceBest
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if gateway == nil {
		panic("orders.NewManager: gateway must not be nil")
	}
	if store == nil {
		panic("orders.NewManager: store must not be nil")
	}
	if retryClient == nil {
		retryClient = retry.NewClient(logger)
	}

	return &Manager{
		gateway:   gateway,
		store:     store,
		retry:     retryClient,
		logger:    logger,
		config:    cfg,
		liquidity: NewLiquidityChecker(gateway, cfg.Liquidity, logger),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// PlaceBuy checks the wallet balance and places a BUY limit order. The
// returned id is models.OrderIDUnknown when the exchange omitted it.
func (m *Manager) PlaceBuy(ctx context.Context, marketID int, tokenID string, price, amountUSDT float64) (string, error) {
	log := m.logger.WithField("market_id", marketID)
	log.Infof("Placing BUY order: price %.4f, amount %.2f USDT", price, amountUSDT)

	balance, err := m.gateway.GetUSDTBalance(ctx)
	switch {
	case err != nil:
		log.Warnf("Could not verify USDT balance before BUY: %v", err)
	case balance < amountUSDT:
		return "", fmt.Errorf("%w: available %.2f, required %.2f", ErrInsufficientBalance, balance, amountUSDT)
	}

	ref, err := retry.Do(ctx, m.retry, "place BUY", func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.gateway.PlaceBuy(ctx, marketID, tokenID, price, amountUSDT)
	})
	if err != nil {
		return "", fmt.Errorf("place BUY on market %d: %w", marketID, err)
	}
	id := orderIDFrom(ref)
	log.WithField("order_id", id).Info("BUY order placed")
	return id, nil
}

// PlaceSell places a SELL limit for the position's shares, trimmed to what
// the exchange reports as actually held. It returns the order id and the
// share count used.
func (m *Manager) PlaceSell(ctx context.Context, p *models.Position, price float64) (string, float64, error) {
	log := m.logger.WithField("market_id", p.MarketID)
	shares := m.sellableShares(ctx, p)
	log.Infof("Placing SELL order: price %.4f, %.4f shares", price, shares)

	ref, err := retry.Do(ctx, m.retry, "place SELL", func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.gateway.PlaceSell(ctx, p.MarketID, p.TokenID, price, shares)
	})
	if err != nil {
		return "", 0, fmt.Errorf("place SELL on market %d: %w", p.MarketID, err)
	}
	id := orderIDFrom(ref)
	log.WithField("order_id", id).Info("SELL order placed")
	return id, shares, nil
}

// sellableShares compares the requested amount with the exchange position.
// The API can lag behind a fresh fill, so an empty answer is retried and
// finally ignored.
func (m *Manager) sellableShares(ctx context.Context, p *models.Position) float64 {
	requested := p.FilledAmount
	actual := 0.0
	for attempt := 1; attempt <= m.config.PositionRetries; attempt++ {
		shares, err := m.gateway.GetPositionShares(ctx, p.MarketID, p.OutcomeSide)
		if err != nil {
			m.logger.Warnf("Could not verify token balance: %v", err)
			return requested
		}
		if shares > 0 {
			actual = shares
			break
		}
		if attempt < m.config.PositionRetries {
			m.logger.Warnf("Attempt %d/%d: no position found, retrying in %v", attempt, m.config.PositionRetries, m.config.PositionRetryDelay)
			if m.sleep(ctx, m.config.PositionRetryDelay) != nil {
				return requested
			}
		}
	}
	if actual == 0 {
		m.logger.Warnf("API returned 0 shares but %.4f are expected, using requested amount", requested)
		return requested
	}
	if requested > actual {
		diffPct := (requested - actual) / requested * 100
		if diffPct < 5 {
			m.logger.Warnf("Requested %.4f shares, %.4f available (%.2f%%), adjusting", requested, actual, diffPct)
		} else {
			m.logger.Errorf("Requested %.4f shares but only %.4f available (%.2f%%), selling what is held", requested, actual, diffPct)
		}
		return actual
	}
	return requested
}

// Cancel cancels an order. A false result with nil error means the exchange
// declined, usually because the order is already terminal.
func (m *Manager) Cancel(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" || orderID == models.OrderIDUnknown {
		return false, fmt.Errorf("cancel: unusable order id %q", orderID)
	}
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	ok, err := m.gateway.CancelOrder(callCtx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	m.logger.WithField("order_id", orderID).Infof("Cancel requested: accepted=%t", ok)
	return ok, nil
}

// getOrder wraps GetOrder with a short per-call timeout.
func (m *Manager) getOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	return m.gateway.GetOrder(callCtx, orderID)
}

func (m *Manager) orderbook(ctx context.Context, tokenID string) (*exchange.Orderbook, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	ob, err := m.gateway.GetOrderbook(callCtx, tokenID)
	if err != nil {
		return nil, err
	}
	if ob == nil {
		return nil, fmt.Errorf("empty orderbook for %s", tokenID)
	}
	return ob, nil
}

// persist saves the state; failures are logged because the exchange side
// already changed and reconciliation repairs the document later.
func (m *Manager) persist(state *models.BotState) {
	if err := m.store.Save(state); err != nil {
		m.logger.Errorf("Failed to persist state: %v", err)
	}
}

func orderIDFrom(ref *exchange.OrderRef) string {
	if ref == nil || ref.OrderID == "" {
		return models.OrderIDUnknown
	}
	return ref.OrderID
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
