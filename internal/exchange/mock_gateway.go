package exchange

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of Gateway for call-expectation tests.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetActiveMarkets(ctx context.Context) ([]Market, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]Market)
	return v, args.Error(1)
}

func (m *MockGateway) GetMarket(ctx context.Context, marketID int) (*Market, error) {
	args := m.Called(ctx, marketID)
	v, _ := args.Get(0).(*Market)
	return v, args.Error(1)
}

func (m *MockGateway) GetOrderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	args := m.Called(ctx, tokenID)
	v, _ := args.Get(0).(*Orderbook)
	return v, args.Error(1)
}

func (m *MockGateway) PlaceBuy(ctx context.Context, marketID int, tokenID string, price, notionalUSDT float64) (*OrderRef, error) {
	args := m.Called(ctx, marketID, tokenID, price, notionalUSDT)
	v, _ := args.Get(0).(*OrderRef)
	return v, args.Error(1)
}

func (m *MockGateway) PlaceSell(ctx context.Context, marketID int, tokenID string, price, shares float64) (*OrderRef, error) {
	args := m.Called(ctx, marketID, tokenID, price, shares)
	v, _ := args.Get(0).(*OrderRef)
	return v, args.Error(1)
}

func (m *MockGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	args := m.Called(ctx, orderID)
	v, _ := args.Get(0).(*Order)
	return v, args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	args := m.Called(ctx, orderID)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) GetMyOrders(ctx context.Context, q OrderQuery) ([]Order, error) {
	args := m.Called(ctx, q)
	v, _ := args.Get(0).([]Order)
	return v, args.Error(1)
}

func (m *MockGateway) GetBalances(ctx context.Context) (*Balances, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*Balances)
	return v, args.Error(1)
}

func (m *MockGateway) GetUSDTBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(float64)
	return v, args.Error(1)
}

func (m *MockGateway) GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error) {
	args := m.Called(ctx, marketID, outcomeSide)
	v, _ := args.Get(0).(float64)
	return v, args.Error(1)
}

func (m *MockGateway) GetPositions(ctx context.Context, marketID *int) ([]Position, error) {
	args := m.Called(ctx, marketID)
	v, _ := args.Get(0).([]Position)
	return v, args.Error(1)
}
