package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNotifier_EventFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventStopLoss, " error "}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), EventHeartbeat, "HEARTBEAT", "x"))
	require.NoError(t, n.Notify(context.Background(), EventStopLoss, "STOP", "x"))
	require.NoError(t, n.Notify(context.Background(), EventError, "ERR", "x"))

	assert.Equal(t, []string{"STOP", "ERR"}, s.sent())
}

func TestNotifier_NoFilterForwardsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())
	require.NoError(t, n.Notify(context.Background(), EventHeartbeat, "HB", "x"))
	assert.Equal(t, []string{"HB"}, s.sent())
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), EventError, "T", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, []string{"T"}, good.sent())
}

func TestNotifier_AsyncDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	blocking := &blockingSender{release: release}
	n := NewNotifier([]Sender{blocking}, nil, quietLogger())

	start := time.Now()
	id := n.Async(EventReconciliation, "R", "m")
	assert.NotEmpty(t, id)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Wait(ctx)
	assert.True(t, blocking.done())
}

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    bool
}

func (b *blockingSender) Send(ctx context.Context, _, _ string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.sent = true
	b.mu.Unlock()
	return nil
}

func (b *blockingSender) Name() string { return "blocking" }

func (b *blockingSender) done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

func TestNotifier_DisabledIsNoop(t *testing.T) {
	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
	assert.NoError(t, nilNotifier.Notify(context.Background(), EventError, "x", "y"))
	assert.Empty(t, nilNotifier.Async(EventError, "x", "y"))
	nilNotifier.Wait(context.Background())

	empty := NewNotifier(nil, nil, nil)
	assert.False(t, empty.Enabled())
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "P&L <report>", "a < b"))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>P&amp;L &lt;report&gt;</b>\na &lt; b", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestTelegramSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender(srv.URL, "T", "1").Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
	assert.Contains(t, err.Error(), "chat not found")
}

func TestHeartbeat_Due(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHeartbeat(time.Hour)
	h.now = func() time.Time { return now }

	assert.False(t, h.Due(), "first call starts the clock")
	now = now.Add(30 * time.Minute)
	assert.False(t, h.Due())
	now = now.Add(31 * time.Minute)
	assert.True(t, h.Due())
	assert.False(t, h.Due())

	assert.False(t, NewHeartbeat(0).Due())
	var nilHB *Heartbeat
	assert.False(t, nilHB.Due())
}

func TestMessages(t *testing.T) {
	p := &models.Position{
		MarketID: 7, MarketTitle: strings.Repeat("x", 80), OutcomeSide: "YES",
		FilledAmount: 100, AvgFillPrice: 0.07, FilledUSDT: 7,
		SellFilledAmount: 100, AvgSellPrice: 0.08, SellProceeds: 8,
		RealizedPnLUSDT: 1, RealizedPnLPercent: 14.29,
	}

	title, body := FillMessage("SELL", p)
	assert.Equal(t, "SELL FILLED", title)
	assert.Contains(t, body, "Realized P&L: +1.00 USDT (+14.29%)")
	assert.Contains(t, body, strings.Repeat("x", 57)+"...")

	title, body = FillMessage("BUY", p)
	assert.Equal(t, "BUY FILLED", title)
	assert.Contains(t, body, "Bought 100.00 shares @ 0.0700")

	title, body = StopLossMessage(p, -12.5, 0.062)
	assert.Equal(t, "STOP-LOSS TRIGGERED", title)
	assert.Contains(t, body, "Unrealized: -12.50%")

	d := &models.Discrepancy{Type: models.DiscrepancyPhantomPosition, Severity: models.SeverityHigh, SuggestedStrategy: models.StrategySyncFromAPI}
	r := &models.RecoveryResult{Success: true, Actions: []string{"adopted position"}, Reason: "synced"}
	title, body = ReconciliationMessage(d, r)
	assert.Equal(t, "RECONCILIATION", title)
	assert.Contains(t, body, "PHANTOM_POSITION (severity HIGH)")
	assert.Contains(t, body, "- adopted position")

	_, body = HeartbeatMessage(HeartbeatInfo{Stage: models.StageSellMonitoring, Side: "SELL", OrderPrice: 0.08, OrderShares: 100, FilledShares: 25, Elapsed: 90 * time.Second})
	assert.Contains(t, body, "filled 25.00/100.00 (25.0%)")
	assert.Contains(t, body, "Monitoring for 1m30s")

	_, body = StartupMessage(models.Statistics{TotalTrades: 2, WinRatePercent: 50, TotalPnLUSDT: -0.5}, 12.3, "paper", "balanced", true)
	assert.Contains(t, body, "Total P&L: -0.50 USDT")
	assert.Contains(t, body, "Stop-loss: ENABLED")
}
