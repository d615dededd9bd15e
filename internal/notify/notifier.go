// Package notify delivers operator notifications. Delivery is best-effort:
// a failed send is logged and never changes trading behavior.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event types understood by the notifier filter.
const (
	EventStartup        = "startup"
	EventShutdown       = "shutdown"
	EventBuyFilled      = "buy_filled"
	EventSellFilled     = "sell_filled"
	EventStopLoss       = "stop_loss"
	EventReconciliation = "reconciliation"
	EventHeartbeat      = "heartbeat"
	EventError          = "error"
)

const defaultAsyncTimeout = 15 * time.Second

// Sender is implemented by each notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every registered sender. When events is non-empty
// only the listed event types are forwarded.
type Notifier struct {
	senders      []Sender
	events       map[string]bool
	logger       logrus.FieldLogger
	asyncTimeout time.Duration
	wg           sync.WaitGroup
}

func NewNotifier(senders []Sender, events []string, logger logrus.FieldLogger) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:      senders,
		events:       allowed,
		logger:       logger.WithField("component", "notifier"),
		asyncTimeout: defaultAsyncTimeout,
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends synchronously, honoring the event filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.WithField("event", event).Debug("event filtered out")
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Async sends in the background with its own timeout and returns a
// correlation id for the log trail. It never blocks the caller.
func (n *Notifier) Async(event, title, message string) string {
	if !n.Enabled() {
		return ""
	}
	id := uuid.NewString()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.asyncTimeout)
		defer cancel()
		if err := n.Notify(ctx, event, title, message); err != nil {
			n.logger.WithFields(logrus.Fields{"event": event, "notification_id": id}).
				Warnf("async notification failed: %v", err)
		}
	}()
	return id
}

// Wait blocks until in-flight async notifications finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) {
	if n == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WithField("sender", s.Name()).Errorf("sender failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.WithFields(logrus.Fields{"sender": s.Name(), "title": title}).Debug("notification sent")
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Heartbeat throttles periodic status messages from long-running monitors.
type Heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewHeartbeat(interval time.Duration) *Heartbeat {
	return &Heartbeat{interval: interval, now: time.Now}
}

// Due reports whether interval has elapsed since the last beat and, if so,
// records a new beat. The first call only starts the clock.
func (h *Heartbeat) Due() bool {
	if h == nil || h.interval <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if h.last.IsZero() {
		h.last = now
		return false
	}
	if now.Sub(h.last) < h.interval {
		return false
	}
	h.last = now
	return true
}
