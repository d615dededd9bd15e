// Package exchange provides the prediction-market gateway used by the bot.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Gateway defines the exchange operations the bot depends on.
type Gateway interface {
	// Market data
	GetActiveMarkets(ctx context.Context) ([]Market, error)
	GetMarket(ctx context.Context, marketID int) (*Market, error)
	GetOrderbook(ctx context.Context, tokenID string) (*Orderbook, error)

	// Order placement. PlaceBuy spends notionalUSDT; PlaceSell offers shares.
	PlaceBuy(ctx context.Context, marketID int, tokenID string, price, notionalUSDT float64) (*OrderRef, error)
	PlaceSell(ctx context.Context, marketID int, tokenID string, price, shares float64) (*OrderRef, error)

	// Order status
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetMyOrders(ctx context.Context, q OrderQuery) ([]Order, error)

	// Account
	GetBalances(ctx context.Context) (*Balances, error)
	GetUSDTBalance(ctx context.Context) (float64, error)
	GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error)
	GetPositions(ctx context.Context, marketID *int) ([]Position, error)
}

// Ensure implementations satisfy Gateway at compile time.
var (
	_ Gateway = (*OpinionClient)(nil)
	_ Gateway = (*CircuitBreakerGateway)(nil)
	_ Gateway = (*MockGateway)(nil)
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		// Errors that count as success still carry a result.
		if v, ok := res.(T); ok {
			return v, err
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 requests.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with default settings
func NewCircuitBreakerGateway(gateway Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "ExchangeCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithField("component", "exchange").Warnf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		// A missing entity or a read-only client is not an exchange outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) ||
				errors.Is(err, context.Canceled)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

func (c *CircuitBreakerGateway) GetActiveMarkets(ctx context.Context) ([]Market, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Market, error) {
		return g.GetActiveMarkets(ctx)
	})
}

func (c *CircuitBreakerGateway) GetMarket(ctx context.Context, marketID int) (*Market, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Market, error) {
		return g.GetMarket(ctx, marketID)
	})
}

func (c *CircuitBreakerGateway) GetOrderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Orderbook, error) {
		return g.GetOrderbook(ctx, tokenID)
	})
}

func (c *CircuitBreakerGateway) PlaceBuy(ctx context.Context, marketID int, tokenID string, price, notionalUSDT float64) (*OrderRef, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderRef, error) {
		return g.PlaceBuy(ctx, marketID, tokenID, price, notionalUSDT)
	})
}

func (c *CircuitBreakerGateway) PlaceSell(ctx context.Context, marketID int, tokenID string, price, shares float64) (*OrderRef, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderRef, error) {
		return g.PlaceSell(ctx, marketID, tokenID, price, shares)
	})
}

func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) {
		return g.GetOrder(ctx, orderID)
	})
}

func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (bool, error) {
		return g.CancelOrder(ctx, orderID)
	})
}

func (c *CircuitBreakerGateway) GetMyOrders(ctx context.Context, q OrderQuery) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Order, error) {
		return g.GetMyOrders(ctx, q)
	})
}

func (c *CircuitBreakerGateway) GetBalances(ctx context.Context) (*Balances, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Balances, error) {
		return g.GetBalances(ctx)
	})
}

func (c *CircuitBreakerGateway) GetUSDTBalance(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (float64, error) {
		return g.GetUSDTBalance(ctx)
	})
}

func (c *CircuitBreakerGateway) GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (float64, error) {
		return g.GetPositionShares(ctx, marketID, outcomeSide)
	})
}

func (c *CircuitBreakerGateway) GetPositions(ctx context.Context, marketID *int) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) {
		return g.GetPositions(ctx, marketID)
	})
}
