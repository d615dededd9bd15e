package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	paper "github.com/eddiefleurent/opinion_farmer/internal/mock"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
	titles []string
}

func (a *recordingAlerter) Async(event, title, _ string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.titles = append(a.titles, title)
	return "id"
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPaper() *paper.PaperExchange {
	px := paper.NewPaperExchange(100)
	px.AddMarket(exchange.Market{ID: 42, Title: "Will it rain?", YesTokenID: "yes-42", NoTokenID: "no-42"},
		paper.LadderBook(0.40, 0.44, 3, 100), paper.LadderBook(0.56, 0.60, 3, 100))
	return px
}

type fixture struct {
	px      *paper.PaperExchange
	store   *storage.MockStateStore
	ledger  *storage.JSONLedger
	alerter *recordingAlerter
	engine  *Engine
}

func newFixture(t *testing.T, state *models.BotState) *fixture {
	t.Helper()
	f := &fixture{
		px:      newPaper(),
		store:   storage.NewMockStateStore(state),
		ledger:  storage.NewMemoryLedger(),
		alerter: &recordingAlerter{},
	}
	f.engine = New(f.px, f.store, f.ledger, f.alerter, Config{}, quietLogger())
	return f
}

func stateAt(stage models.Stage, p *models.Position) *models.BotState {
	s := models.NewBotState()
	s.Stage = stage
	s.CurrentPosition = p
	return s
}

func heldPosition(shares float64) *models.Position {
	return &models.Position{
		MarketID:     42,
		TokenID:      "yes-42",
		OutcomeSide:  models.OutcomeYes,
		OrderID:      "buy-1",
		Price:        0.40,
		FilledAmount: shares,
		AvgFillPrice: 0.40,
		FilledUSDT:   shares * 0.40,
	}
}

func TestNew(t *testing.T) {
	e := New(newPaper(), storage.NewMockStateStore(nil), nil, nil, Config{}, nil)
	assert.Equal(t, DefaultConfig, e.Config())
	assert.Panics(t, func() { New(nil, storage.NewMockStateStore(nil), nil, nil, Config{}, nil) })
	assert.Panics(t, func() { New(newPaper(), nil, nil, nil, Config{}, nil) })
}

func TestDetectDiscrepancy_CleanState(t *testing.T) {
	f := newFixture(t, nil)
	assert.Nil(t, f.engine.DetectDiscrepancy(context.Background(), models.NewBotState()))

	// Dust holdings are not adopted.
	f.px.SetPosition(42, models.OutcomeYes, 3, 0.4)
	assert.Nil(t, f.engine.DetectDiscrepancy(context.Background(), models.NewBotState()))
}

func TestPhantomPosition_AdoptedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	state := models.NewBotState()
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeYes, 50, 0.38)
	_, err := f.ledger.RecordBuy(storage.TradeRecord{MarketID: 42, Outcome: models.OutcomeYes, Shares: 50, Price: 0.38, AmountUSDT: 19, OrderID: "b1"})
	require.NoError(t, err)

	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancyPhantomPosition, d.Type)
	assert.Equal(t, models.SeverityHigh, d.Severity)
	assert.Equal(t, models.StrategySyncFromAPI, d.SuggestedStrategy)
	assert.Equal(t, 42, d.Exchange.MarketID)
	assert.Equal(t, 50.0, d.Exchange.Shares)

	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success, r.Reason)
	assert.Equal(t, models.StageBuyFilled, state.Stage)
	p := state.CurrentPosition
	require.NotNil(t, p)
	assert.Equal(t, 42, p.MarketID)
	assert.Equal(t, "yes-42", p.TokenID)
	assert.Equal(t, 50.0, p.FilledAmount)
	assert.InDelta(t, 0.38, p.AvgFillPrice, 1e-9)
	assert.InDelta(t, 19.0, p.FilledUSDT, 1e-9)
	assert.True(t, p.Recovered)
	assert.Equal(t, "Will it rain?", p.MarketTitle)

	saved := f.store.Saved()
	assert.Equal(t, models.StageBuyFilled, saved.Stage)
	require.NotNil(t, saved.CurrentPosition)
	assert.Equal(t, 1, f.alerter.count())

	assert.Nil(t, f.engine.DetectDiscrepancy(ctx, state), "second pass finds nothing")
}

func TestPhantomPosition_PriceFallbacks(t *testing.T) {
	ctx := context.Background()

	state := models.NewBotState()
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeNo, 20, 0.5)
	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.OutcomeNo, d.Exchange.OutcomeSide)
	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, "no-42", state.CurrentPosition.TokenID)
	assert.InDelta(t, 0.56, state.CurrentPosition.AvgFillPrice, 1e-9, "best bid")

	state = models.NewBotState()
	f = newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeYes, 20, 0.5)
	d = f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	f.px.FailNext("GetOrderbook", errors.New("down"))
	r = f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, fallbackAvgPrice, state.CurrentPosition.AvgFillPrice)
}

func TestPhantomPosition_PicksLargestHolding(t *testing.T) {
	f := newFixture(t, nil)
	f.px.AddMarket(exchange.Market{ID: 43, YesTokenID: "yes-43", NoTokenID: "no-43"}, nil, nil)
	f.px.SetPosition(42, models.OutcomeYes, 12, 0.4)
	f.px.SetPosition(43, models.OutcomeNo, 30, 0.5)

	d := f.engine.DetectDiscrepancy(context.Background(), stateAt(models.StageCompleted, nil))
	require.NotNil(t, d)
	assert.Equal(t, 43, d.Exchange.MarketID)
	assert.Equal(t, models.OutcomeNo, d.ActualOutcomeSide)
}

func TestPhantomPosition_MarketLookupFails(t *testing.T) {
	state := models.NewBotState()
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeYes, 50, 0.4)
	d := f.engine.DetectDiscrepancy(context.Background(), state)
	require.NotNil(t, d)

	f.px.FailNext("GetMarket", errors.New("502"))
	r := f.engine.Reconcile(context.Background(), state, d)
	assert.False(t, r.Success)
	assert.Contains(t, r.Reason, "Could not fetch market #42")
	assert.Equal(t, models.StageIdle, state.Stage)
	assert.Zero(t, f.store.SaveCount())
}

func TestOrphanedOrder_CancelAndReset(t *testing.T) {
	ctx := context.Background()
	state := stateAt(models.StageScanning, nil)
	f := newFixture(t, state)
	ref, err := f.px.PlaceBuy(ctx, 42, "yes-42", 0.35, 10)
	require.NoError(t, err)

	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancyOrphanedOrder, d.Type)
	assert.Equal(t, models.StrategyCancelAndReset, d.SuggestedStrategy)
	require.Len(t, d.Orders, 1)
	assert.Equal(t, ref.OrderID, d.Orders[0].OrderID)

	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, models.StageIdle, state.Stage)
	assert.Equal(t, "1", r.StateChanges["orders_cancelled"])
	assert.Equal(t, 1, r.Metadata["cancelled"])

	o, err := f.px.GetOrder(ctx, ref.OrderID)
	require.NoError(t, err)
	assert.True(t, o.IsCancelled())
	assert.Equal(t, models.StageIdle, f.store.Saved().Stage)

	assert.Nil(t, f.engine.DetectDiscrepancy(ctx, state))
}

func TestOrphanedOrder_RefusedCancelStillResets(t *testing.T) {
	gw := &exchange.MockGateway{}
	gw.On("CancelOrder", mock.Anything, "gone").Return(false, nil)
	gw.On("CancelOrder", mock.Anything, "broken").Return(false, errors.New("boom"))
	store := storage.NewMockStateStore(nil)
	e := New(gw, store, nil, nil, Config{}, quietLogger())

	state := stateAt(models.StageIdle, nil)
	d := &models.Discrepancy{
		Type:              models.DiscrepancyOrphanedOrder,
		Severity:          models.SeverityHigh,
		Orders:            []models.OrderSnapshot{{OrderID: "gone"}, {OrderID: "broken"}},
		SuggestedStrategy: models.StrategyCancelAndReset,
	}
	r := e.Reconcile(context.Background(), state, d)
	assert.True(t, r.Success)
	assert.Equal(t, "2", r.StateChanges["cancellations_failed"])
	assert.Equal(t, 1, store.SaveCount())
	gw.AssertExpectations(t)
}

func TestMissingPosition(t *testing.T) {
	ctx := context.Background()

	t.Run("sold according to history", func(t *testing.T) {
		state := stateAt(models.StageBuyFilled, heldPosition(30))
		f := newFixture(t, state)
		_, err := f.ledger.RecordBuy(storage.TradeRecord{MarketID: 42, Outcome: models.OutcomeYes, Shares: 30, Price: 0.40, AmountUSDT: 12, OrderID: "b"})
		require.NoError(t, err)
		_, err = f.ledger.RecordSell(storage.TradeRecord{MarketID: 42, Outcome: models.OutcomeYes, Shares: 30, Price: 0.45, AmountUSDT: 13.5, OrderID: "s"})
		require.NoError(t, err)

		d := f.engine.DetectDiscrepancy(ctx, state)
		require.NotNil(t, d)
		assert.Equal(t, models.DiscrepancyMissingPosition, d.Type)
		assert.Equal(t, models.StrategySyncFromHistory, d.SuggestedStrategy)

		r := f.engine.Reconcile(ctx, state, d)
		require.True(t, r.Success)
		assert.Equal(t, models.StrategySyncFromHistory, r.Strategy)
		assert.Equal(t, models.StageCompleted, state.Stage)
		assert.Nil(t, state.CurrentPosition)
		require.NotNil(t, state.CompletedTrade)
		assert.InDelta(t, 1.5, state.CompletedTrade.PnLUSDT, 1e-9)
	})

	t.Run("no history resets", func(t *testing.T) {
		state := stateAt(models.StageBuyFilled, heldPosition(30))
		f := newFixture(t, state)
		d := f.engine.DetectDiscrepancy(ctx, state)
		require.NotNil(t, d)

		r := f.engine.Reconcile(ctx, state, d)
		require.True(t, r.Success)
		assert.Equal(t, models.StrategyResetToIdle, r.Strategy)
		assert.Equal(t, models.StageIdle, state.Stage)
		assert.Nil(t, state.CurrentPosition)
		assert.Contains(t, r.Actions, "No transaction history found for this market")
	})

	t.Run("unbalanced history resets", func(t *testing.T) {
		state := stateAt(models.StageBuyFilled, heldPosition(30))
		f := newFixture(t, state)
		_, err := f.ledger.RecordBuy(storage.TradeRecord{MarketID: 42, Shares: 30, Price: 0.40, AmountUSDT: 12, OrderID: "b"})
		require.NoError(t, err)

		r := f.engine.Reconcile(ctx, state, f.engine.DetectDiscrepancy(ctx, state))
		assert.Equal(t, models.StrategyResetToIdle, r.Strategy)
		assert.Contains(t, r.Actions, "Transaction history unclear")
	})
}

func TestSharesMismatch(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		held     float64
		severity models.Severity
	}{
		{"small drift", 48, models.SeverityMedium},
		{"large drift", 30, models.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := stateAt(models.StageBuyFilled, heldPosition(50))
			f := newFixture(t, state)
			f.px.SetPosition(42, models.OutcomeYes, tt.held, 0.4)

			d := f.engine.DetectDiscrepancy(ctx, state)
			require.NotNil(t, d)
			assert.Equal(t, models.DiscrepancySharesMismatch, d.Type)
			assert.Equal(t, tt.severity, d.Severity)
			assert.InDelta(t, 50-tt.held, d.SharesDiff, 1e-9)

			r := f.engine.Reconcile(ctx, state, d)
			require.True(t, r.Success)
			assert.Equal(t, tt.held, state.CurrentPosition.FilledAmount)
			assert.InDelta(t, tt.held*0.40, state.CurrentPosition.FilledUSDT, 1e-9)
			assert.Equal(t, models.StageBuyFilled, state.Stage)
			assert.Nil(t, f.engine.DetectDiscrepancy(ctx, state))
		})
	}

	state := stateAt(models.StageBuyFilled, heldPosition(50))
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeYes, 50.005, 0.4)
	assert.Nil(t, f.engine.DetectDiscrepancy(ctx, state), "within tolerance")
}

func TestOppositeSideAdopted(t *testing.T) {
	ctx := context.Background()
	state := stateAt(models.StageBuyFilled, heldPosition(30))
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeNo, 29, 0.6)

	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancySharesMismatch, d.Type)
	assert.Equal(t, models.SeverityMedium, d.Severity)
	assert.Equal(t, models.OutcomeNo, d.ActualOutcomeSide)

	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, models.OutcomeNo, state.CurrentPosition.OutcomeSide)
	assert.Equal(t, 29.0, state.CurrentPosition.FilledAmount)
	assert.Empty(t, state.CurrentPosition.TokenID, "token is re-resolved for the new side")
	assert.Contains(t, r.StateChanges, "current_position.outcome_side")
	assert.Zero(t, f.alerter.count(), "medium severity is not announced")

	// Too little on the other side is a missing position instead.
	state = stateAt(models.StageBuyFilled, heldPosition(30))
	f = newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeNo, 10, 0.6)
	d = f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancyMissingPosition, d.Type)
}

func TestOppositeSideExactAmountCorrectsSide(t *testing.T) {
	ctx := context.Background()
	state := stateAt(models.StageBuyFilled, heldPosition(30))
	f := newFixture(t, state)
	f.px.SetPosition(42, models.OutcomeNo, 30, 0.6)

	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d, "same count on the wrong side is still a mismatch")
	assert.Equal(t, models.DiscrepancySharesMismatch, d.Type)
	assert.Zero(t, d.SharesDiff)
	assert.Equal(t, models.OutcomeNo, d.ActualOutcomeSide)

	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, models.OutcomeNo, state.CurrentPosition.OutcomeSide)
	assert.Equal(t, 30.0, state.CurrentPosition.FilledAmount)
	assert.Nil(t, f.engine.DetectDiscrepancy(ctx, state))
}

func TestSellStagesSkipShareChecks(t *testing.T) {
	for _, stage := range []models.Stage{models.StageSellPlaced, models.StageSellMonitoring} {
		p := heldPosition(50)
		p.SellOrderID = "sell-1"
		state := stateAt(stage, p)
		f := newFixture(t, state)
		assert.Nil(t, f.engine.DetectDiscrepancy(context.Background(), state), stage)
	}
}

func TestInvalidState(t *testing.T) {
	ctx := context.Background()
	p := heldPosition(0)
	state := stateAt(models.StageSellPlaced, p)
	f := newFixture(t, state)

	d := f.engine.DetectDiscrepancy(ctx, state)
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancyInvalidState, d.Type)
	assert.Equal(t, models.StrategyResetToIdle, d.SuggestedStrategy)

	r := f.engine.Reconcile(ctx, state, d)
	require.True(t, r.Success)
	assert.Equal(t, models.StageIdle, state.Stage)
	assert.Nil(t, state.CurrentPosition)
	assert.Equal(t, "cleared", r.StateChanges["current_position"])

	noMarket := heldPosition(20)
	noMarket.MarketID = 0
	d = f.engine.DetectDiscrepancy(ctx, stateAt(models.StageBuyFilled, noMarket))
	require.NotNil(t, d)
	assert.Equal(t, models.DiscrepancyInvalidState, d.Type)
}

func TestExchangeErrorsAreNotDiscrepancies(t *testing.T) {
	gw := &exchange.MockGateway{}
	gw.On("GetPositionShares", mock.Anything, 42, models.OutcomeYes).Return(0.0, errors.New("timeout"))
	e := New(gw, storage.NewMockStateStore(nil), nil, nil, Config{}, quietLogger())
	assert.Nil(t, e.DetectDiscrepancy(context.Background(), stateAt(models.StageBuyFilled, heldPosition(30))))

	gw2 := &exchange.MockGateway{}
	gw2.On("GetMyOrders", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	gw2.On("GetPositions", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	e = New(gw2, storage.NewMockStateStore(nil), nil, nil, Config{}, quietLogger())
	assert.Nil(t, e.DetectDiscrepancy(context.Background(), models.NewBotState()))
}

func TestReconcile_SaveFailure(t *testing.T) {
	state := stateAt(models.StageBuyFilled, heldPosition(0))
	f := newFixture(t, state)
	f.store.SaveError = errors.New("disk full")

	r := f.engine.Reconcile(context.Background(), state, &models.Discrepancy{
		Type:              models.DiscrepancyInvalidState,
		Severity:          models.SeverityHigh,
		SuggestedStrategy: models.StrategyResetToIdle,
	})
	assert.False(t, r.Success)
	assert.Contains(t, r.Reason, "disk full")
	assert.Equal(t, 1, f.alerter.count())
}

func TestReconcile_UnknownStrategy(t *testing.T) {
	f := newFixture(t, nil)
	r := f.engine.Reconcile(context.Background(), models.NewBotState(), &models.Discrepancy{SuggestedStrategy: "REWIND"})
	assert.False(t, r.Success)
	assert.Contains(t, r.Reason, "not implemented")
}
