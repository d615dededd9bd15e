package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/mock"
)

func fastBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
}

func TestNewCircuitBreakerGateway(t *testing.T) {
	m := &MockGateway{}
	cb := NewCircuitBreakerGateway(m, quietLogger())

	if cb == nil {
		t.Fatal("NewCircuitBreakerGateway returned nil")
	}
	if cb.gateway != m {
		t.Error("CircuitBreakerGateway.gateway not set correctly")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("initial state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerGateway_SuccessfulCalls(t *testing.T) {
	m := &MockGateway{}
	m.On("GetUSDTBalance", mock.Anything).Return(125.5, nil)
	m.On("GetOrderbook", mock.Anything, "tok").Return(&Orderbook{TokenID: "tok"}, nil)
	cb := NewCircuitBreakerGateway(m, quietLogger())

	balance, err := cb.GetUSDTBalance(context.Background())
	if err != nil || balance != 125.5 {
		t.Errorf("GetUSDTBalance = %v, %v", balance, err)
	}
	ob, err := cb.GetOrderbook(context.Background(), "tok")
	if err != nil || ob.TokenID != "tok" {
		t.Errorf("GetOrderbook = %+v, %v", ob, err)
	}
	m.AssertExpectations(t)
}

func TestCircuitBreakerGateway_TripsOnFailures(t *testing.T) {
	m := &MockGateway{}
	m.On("GetUSDTBalance", mock.Anything).Return(0.0, errors.New("connection reset"))
	cb := NewCircuitBreakerGatewayWithSettings(m, fastBreakerSettings(), quietLogger())

	for i := 0; i < 3; i++ {
		_, _ = cb.GetUSDTBalance(context.Background())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("Circuit breaker should be open, but state is %s", cb.State())
	}

	_, err := cb.GetUSDTBalance(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected gobreaker.ErrOpenState but got: %v", err)
	}
}

func TestCircuitBreakerGateway_NotFoundDoesNotTrip(t *testing.T) {
	m := &MockGateway{}
	m.On("GetOrder", mock.Anything, "gone").Return(nil, ErrNotFound)
	m.On("PlaceBuy", mock.Anything, 1, "tok", 0.5, 10.0).Return(nil, ErrReadOnly)
	cb := NewCircuitBreakerGatewayWithSettings(m, fastBreakerSettings(), quietLogger())

	for i := 0; i < 10; i++ {
		o, err := cb.GetOrder(context.Background(), "gone")
		if !errors.Is(err, ErrNotFound) || o != nil {
			t.Fatalf("GetOrder = %v, %v", o, err)
		}
		if _, err := cb.PlaceBuy(context.Background(), 1, "tok", 0.5, 10); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("PlaceBuy err = %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerGateway_RecoversAfterTimeout(t *testing.T) {
	m := &MockGateway{}
	failing := m.On("GetPositionShares", mock.Anything, 42, "YES").Return(0.0, errors.New("boom"))
	cb := NewCircuitBreakerGatewayWithSettings(m, fastBreakerSettings(), quietLogger())

	for i := 0; i < 3; i++ {
		_, _ = cb.GetPositionShares(context.Background(), 42, "YES")
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	failing.Unset()
	m.On("GetPositionShares", mock.Anything, 42, "YES").Return(50.0, nil)

	deadline := time.After(200 * time.Millisecond)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for cb.State() != gobreaker.StateHalfOpen {
		select {
		case <-deadline:
			t.Fatalf("breaker did not go half-open")
		case <-ticker.C:
		}
	}

	shares, err := cb.GetPositionShares(context.Background(), 42, "YES")
	if err != nil || shares != 50 {
		t.Fatalf("recovery call = %v, %v", shares, err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerGateway_AllMethods(t *testing.T) {
	m := &MockGateway{}
	id := 42
	m.On("GetActiveMarkets", mock.Anything).Return([]Market{{ID: 1}}, nil)
	m.On("GetMarket", mock.Anything, 42).Return(&Market{ID: 42}, nil)
	m.On("GetOrderbook", mock.Anything, "t").Return(&Orderbook{}, nil)
	m.On("PlaceBuy", mock.Anything, 42, "t", 0.07, 10.0).Return(&OrderRef{OrderID: "b"}, nil)
	m.On("PlaceSell", mock.Anything, 42, "t", 0.08, 100.0).Return(&OrderRef{OrderID: "s"}, nil)
	m.On("GetOrder", mock.Anything, "b").Return(&Order{OrderID: "b"}, nil)
	m.On("CancelOrder", mock.Anything, "b").Return(true, nil)
	m.On("GetMyOrders", mock.Anything, OrderQuery{MarketID: 42}).Return([]Order{}, nil)
	m.On("GetBalances", mock.Anything).Return(&Balances{}, nil)
	m.On("GetUSDTBalance", mock.Anything).Return(1.0, nil)
	m.On("GetPositionShares", mock.Anything, 42, "NO").Return(3.0, nil)
	m.On("GetPositions", mock.Anything, &id).Return([]Position{}, nil)
	cb := NewCircuitBreakerGateway(m, quietLogger())
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"GetActiveMarkets", func() error { _, err := cb.GetActiveMarkets(ctx); return err }},
		{"GetMarket", func() error { _, err := cb.GetMarket(ctx, 42); return err }},
		{"GetOrderbook", func() error { _, err := cb.GetOrderbook(ctx, "t"); return err }},
		{"PlaceBuy", func() error { _, err := cb.PlaceBuy(ctx, 42, "t", 0.07, 10); return err }},
		{"PlaceSell", func() error { _, err := cb.PlaceSell(ctx, 42, "t", 0.08, 100); return err }},
		{"GetOrder", func() error { _, err := cb.GetOrder(ctx, "b"); return err }},
		{"CancelOrder", func() error { _, err := cb.CancelOrder(ctx, "b"); return err }},
		{"GetMyOrders", func() error { _, err := cb.GetMyOrders(ctx, OrderQuery{MarketID: 42}); return err }},
		{"GetBalances", func() error { _, err := cb.GetBalances(ctx); return err }},
		{"GetUSDTBalance", func() error { _, err := cb.GetUSDTBalance(ctx); return err }},
		{"GetPositionShares", func() error { _, err := cb.GetPositionShares(ctx, 42, "NO"); return err }},
		{"GetPositions", func() error { _, err := cb.GetPositions(ctx, &id); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s failed: %v", tt.name, err)
			}
		})
	}
	m.AssertExpectations(t)
}
