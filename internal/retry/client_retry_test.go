package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
)

// --- Test helpers ---

type fakePlacer struct {
	callCount int32

	// if successAfterN > 0, return errTransient for attempts < N, then success
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakePlacer) place(ctx context.Context) (*exchange.OrderRef, error) {
	n := atomic.AddInt32(&f.callCount, 1)

	if f.successAfterN > 0 {
		if int(n) < f.successAfterN {
			if f.errTransient != nil {
				return nil, f.errTransient
			}
			return nil, errors.New("timeout")
		}
		return &exchange.OrderRef{OrderID: "ord-1"}, nil
	}
	if f.errPermanent != nil {
		return nil, f.errPermanent
	}
	if f.errTransient != nil {
		return nil, f.errTransient
	}
	return &exchange.OrderRef{OrderID: "ord-1"}, nil
}

// makeClient builds a Client with controllable timing and a buffer-backed logger.
func makeClient(t *testing.T, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableQuote: true})
	return NewClient(l, cfg), &buf
}

// --- Tests ---

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	cfg := Config{
		MaxRetries:     -1,
		InitialBackoff: 0,
		MaxBackoff:     0,
		Timeout:        0,
	}
	c := NewClient(nil, cfg) // nil logger => defaulted internally

	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config != DefaultConfig {
		t.Fatalf("config sanitized: got %+v want %+v", c.config, DefaultConfig)
	}

	l := logrus.New()
	c2 := NewClient(l)
	if c2.logger != l {
		t.Fatalf("expected provided logger to be used")
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	c, _ := makeClient(t, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"network", errors.New("network unreachable"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"api 503", &exchange.APIError{Status: 503, Body: "down"}, true},
		{"api 429", fmt.Errorf("wrapped: %w", &exchange.APIError{Status: 429}), true},
		{"api 400", &exchange.APIError{Status: 400, Body: "bad request 504"}, false},
		{"api errno", &exchange.APIError{Status: 200, Errno: 10001, Body: "insufficient balance"}, false},
		{"breaker open", gobreaker.ErrOpenState, false},
		{"read only", exchange.ErrReadOnly, false},
		{"not found", fmt.Errorf("order: %w", exchange.ErrNotFound), false},
		{"non-transient", errors.New("validation failed: price"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c, _ := makeClient(t, cfg)

	next := c.calculateNextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected next backoff: got %v, expected [6ms,7.5ms)", next)
	}

	next2 := c.calculateNextBackoff(8 * time.Millisecond) // base=12ms -> capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped next backoff: got %v, expected [10ms,12.5ms)", next2)
	}

	if got := c.calculateNextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func fastConfig(retries int, timeout time.Duration) Config {
	return Config{
		MaxRetries:     retries,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        timeout,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	fp := &fakePlacer{}
	c, buf := makeClient(t, fastConfig(3, 250*time.Millisecond))

	ref, err := Do(context.Background(), c, "place BUY", fp.place)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref == nil || ref.OrderID != "ord-1" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if atomic.LoadInt32(&fp.callCount) != 1 {
		t.Fatalf("expected 1 call, got %d", fp.callCount)
	}
	if !strings.Contains(buf.String(), "place BUY attempt 1/4") {
		t.Fatalf("expected log to contain attempt log, got: %s", buf.String())
	}
}

func TestDo_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	fp := &fakePlacer{successAfterN: 3, errTransient: errors.New("timeout while placing")}
	c, _ := makeClient(t, fastConfig(3, 250*time.Millisecond))

	start := time.Now()
	ref, err := Do(context.Background(), c, "place SELL", fp.place)
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected response after retries")
	}
	if atomic.LoadInt32(&fp.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", fp.callCount)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("expected some backoff elapsed, got %v", elapsed)
	}
}

func TestDo_FailFastOnNonTransient(t *testing.T) {
	fp := &fakePlacer{errPermanent: &exchange.APIError{Status: 400, Body: "price out of range"}}
	c, _ := makeClient(t, fastConfig(5, 200*time.Millisecond))

	_, err := Do(context.Background(), c, "place BUY", fp.place)
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if atomic.LoadInt32(&fp.callCount) != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", fp.callCount)
	}
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped APIError, got: %v", err)
	}
	if !strings.Contains(err.Error(), "place BUY failed after 6 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	fp := &fakePlacer{errTransient: errors.New("connection reset")}
	c, _ := makeClient(t, fastConfig(2, time.Second))

	_, err := Do(context.Background(), c, "cancel", fp.place)
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&fp.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", fp.callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	fp := &fakePlacer{}
	c, _ := makeClient(t, fastConfig(2, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, c, "place BUY", fp.place)
	if err == nil || !strings.Contains(err.Error(), "operation canceled") {
		t.Fatalf("expected 'operation canceled' in error, got: %v", err)
	}
	if atomic.LoadInt32(&fp.callCount) != 0 {
		t.Fatalf("expected 0 calls, got %d", fp.callCount)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	fp := &fakePlacer{errTransient: errors.New("connection reset")}
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        5 * time.Millisecond, // shorter than backoff
	}
	c, _ := makeClient(t, cfg)

	_, err := Do(context.Background(), c, "place BUY", fp.place)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}
