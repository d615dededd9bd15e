package validator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	paper "github.com/eddiefleurent/opinion_farmer/internal/mock"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPaper() *paper.PaperExchange {
	px := paper.NewPaperExchange(100)
	px.AddMarket(exchange.Market{ID: 42, Title: "m", YesTokenID: "yes-42", NoTokenID: "no-42"},
		paper.LadderBook(0.40, 0.44, 3, 100), paper.LadderBook(0.56, 0.60, 3, 100))
	return px
}

func TestNew_Defaults(t *testing.T) {
	v := New(newPaper(), Config{}, nil)
	assert.Equal(t, DefaultConfig, v.Config())
	assert.Panics(t, func() { New(nil, Config{}, nil) })
}

func TestCheckDustByShares(t *testing.T) {
	v := New(newPaper(), DefaultConfig, quietLogger())
	assert.True(t, v.CheckDustByShares(5).Valid)
	r := v.CheckDustByShares(3.5)
	assert.False(t, r.Valid)
	assert.Equal(t, ActionResetToScanning, r.Action)
	assert.Contains(t, r.Reason, "3.5000 shares")
}

func TestCheckDustByValue(t *testing.T) {
	v := New(newPaper(), DefaultConfig, quietLogger())
	tests := []struct {
		name   string
		shares float64
		price  float64
		valid  bool
	}{
		{"below minimum", 3.0, 0.40, false},
		{"floor pushes below", 3.29, 0.40, false},
		{"above minimum", 4.0, 0.40, true},
		{"floor keeps minimum", 3.35, 0.40, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, v.CheckDustByValue(tt.shares, tt.price).Valid)
		})
	}
	assert.InDelta(t, 1.28, SellableValue(3.29, 0.40), 1e-9)
}

func TestDetectManualSale(t *testing.T) {
	v := New(newPaper(), DefaultConfig, quietLogger())

	r := v.DetectManualSale(100, 2)
	assert.False(t, r.Valid)
	assert.Equal(t, ActionResetToScanning, r.Action)
	assert.Contains(t, r.Reason, "98.0% of position missing")

	r = v.DetectManualSale(100, 50)
	assert.True(t, r.Valid)
	assert.Contains(t, r.Reason, "updated to actual")

	r = v.DetectManualSale(100, 98)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Reason)

	assert.True(t, v.DetectManualSale(0, 10).Valid)
}

func TestVerifyActualPosition(t *testing.T) {
	px := newPaper()
	px.SetPosition(42, models.OutcomeYes, 50, 0.4)
	v := New(px, DefaultConfig, quietLogger())

	held, actual, reason := v.VerifyActualPosition(context.Background(), 42, models.OutcomeYes, 50)
	assert.True(t, held)
	assert.Equal(t, 50.0, actual)
	assert.Empty(t, reason)

	held, actual, reason = v.VerifyActualPosition(context.Background(), 42, models.OutcomeNo, 50)
	assert.False(t, held)
	assert.Zero(t, actual)
	assert.Contains(t, reason, "Manual sale")

	gw := &exchange.MockGateway{}
	gw.On("GetPositionShares", mock.Anything, 42, models.OutcomeYes).Return(0.0, errors.New("timeout"))
	held, actual, _ = New(gw, DefaultConfig, quietLogger()).VerifyActualPosition(context.Background(), 42, models.OutcomeYes, 12)
	assert.True(t, held, "errors are non-blocking")
	assert.Equal(t, 12.0, actual)
}

func TestValidateTokenID(t *testing.T) {
	v := New(newPaper(), DefaultConfig, quietLogger())
	ctx := context.Background()

	tok, ok := v.ValidateTokenID(ctx, "abc", 42, models.OutcomeYes)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = v.ValidateTokenID(ctx, models.OrderIDUnknown, 42, "no")
	assert.True(t, ok)
	assert.Equal(t, "no-42", tok)

	_, ok = v.ValidateTokenID(ctx, "", 999, models.OutcomeYes)
	assert.False(t, ok)
}

func TestRecoverOrderIDFromAPI(t *testing.T) {
	gw := &exchange.MockGateway{}
	gw.On("GetMyOrders", mock.Anything, exchange.OrderQuery{MarketID: 42, Status: "PENDING", Limit: 20}).Return([]exchange.Order{
		{OrderID: "filled", Side: exchange.SideBuy, OrderAmount: 10, FilledAmount: 5},
		{OrderID: "dust", Side: exchange.SideBuy, OrderAmount: 0.05},
		{OrderID: "sell", Side: exchange.SideSell, OrderAmount: 10},
		{OrderID: "ours", Side: exchange.SideBuy, OrderAmount: 10, Price: 0.4},
	}, nil)
	v := New(gw, DefaultConfig, quietLogger())

	r := v.RecoverOrderIDFromAPI(context.Background(), 42, exchange.SideBuy)
	require.True(t, r.Success)
	assert.Equal(t, "ours", r.OrderID)

	gw2 := &exchange.MockGateway{}
	gw2.On("GetMyOrders", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
	r = New(gw2, DefaultConfig, quietLogger()).RecoverOrderIDFromAPI(context.Background(), 42, exchange.SideBuy)
	assert.False(t, r.Success)
	assert.Contains(t, r.Reason, "API error")
}

func TestRecoverOrderIDFromAPI_PaperExchange(t *testing.T) {
	px := newPaper()
	ref, err := px.PlaceBuy(context.Background(), 42, "yes-42", 0.35, 10)
	require.NoError(t, err)
	v := New(px, DefaultConfig, quietLogger())

	r := v.RecoverOrderIDFromAPI(context.Background(), 42, exchange.SideBuy)
	require.True(t, r.Success)
	assert.Equal(t, ref.OrderID, r.OrderID)

	r = v.RecoverOrderIDFromAPI(context.Background(), 42, exchange.SideSell)
	assert.False(t, r.Success)
}

func TestRecoverTokenIDFromMarket(t *testing.T) {
	v := New(newPaper(), DefaultConfig, quietLogger())
	r := v.RecoverTokenIDFromMarket(context.Background(), 42, models.OutcomeNo)
	require.True(t, r.Success)
	assert.Equal(t, "no-42", r.TokenID)

	r = v.RecoverTokenIDFromMarket(context.Background(), 7, models.OutcomeNo)
	assert.False(t, r.Success)
}

func TestCheckIfAlreadyFilled(t *testing.T) {
	px := newPaper()
	v := New(px, DefaultConfig, quietLogger())

	filled, _ := v.CheckIfAlreadyFilled(context.Background(), 42, models.OutcomeYes)
	assert.False(t, filled)

	px.SetPosition(42, models.OutcomeYes, 0.5, 0.4)
	filled, shares := v.CheckIfAlreadyFilled(context.Background(), 42, models.OutcomeYes)
	assert.False(t, filled)
	assert.Equal(t, 0.5, shares)

	px.SetPosition(42, models.OutcomeYes, 25, 0.4)
	filled, shares = v.CheckIfAlreadyFilled(context.Background(), 42, models.OutcomeYes)
	assert.True(t, filled)
	assert.Equal(t, 25.0, shares)
}

func TestFindOrphanedPositions(t *testing.T) {
	px := newPaper()
	px.AddMarket(exchange.Market{ID: 43, YesTokenID: "yes-43", NoTokenID: "no-43"}, nil, nil)
	px.SetPosition(42, models.OutcomeYes, 12, 0.4)
	px.SetPosition(42, models.OutcomeNo, 2, 0.6)
	px.SetPosition(43, models.OutcomeNo, 30, 0.5)
	v := New(px, DefaultConfig, quietLogger())

	got := v.FindOrphanedPositions(context.Background(), 5)
	require.Len(t, got, 2)
	assert.Equal(t, 43, got[0].MarketID)
	assert.Equal(t, 42, got[1].MarketID)

	px.FailNext("GetPositions", errors.New("down"))
	assert.Empty(t, v.FindOrphanedPositions(context.Background(), 5))
}

func TestRecoverFillDataFromPosition(t *testing.T) {
	px := newPaper()
	v := New(px, DefaultConfig, quietLogger())

	r := v.RecoverFillDataFromPosition(context.Background(), 42, models.OutcomeYes, 0.4)
	assert.False(t, r.Success)

	px.SetPosition(42, models.OutcomeYes, 24.5, 0.41)
	r = v.RecoverFillDataFromPosition(context.Background(), 42, models.OutcomeYes, 0)
	require.True(t, r.Success)
	assert.Equal(t, 24.5, r.FilledAmount)
	assert.Equal(t, 0.01, r.AvgFillPrice)
}

func TestRepairPosition(t *testing.T) {
	px := newPaper()
	ref, err := px.PlaceBuy(context.Background(), 42, "yes-42", 0.35, 10)
	require.NoError(t, err)
	v := New(px, DefaultConfig, quietLogger())

	p := &models.Position{MarketID: 42, OutcomeSide: models.OutcomeYes, OrderID: models.OrderIDUnknown}
	assert.True(t, v.RepairPosition(context.Background(), p))
	assert.Equal(t, "yes-42", p.TokenID)
	assert.Equal(t, ref.OrderID, p.OrderID)

	assert.False(t, v.RepairPosition(context.Background(), p), "nothing left to repair")
}
