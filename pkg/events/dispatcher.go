package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Handler consumes transition events. Delivery is at least once, so
// handlers must tolerate seeing the same EventID again.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev *SubscriptionTransitioned) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev *SubscriptionTransitioned) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, ev *SubscriptionTransitioned) error {
	return h.Fn(ctx, ev)
}

// Backoff computes the delay before retrying a message that failed attempts times
type Backoff interface {
	NextRetryDelay(attempts int) time.Duration
}

// Report summarizes one dispatch pass
type Report struct {
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Dispatcher drains the outbox into its handlers
type Dispatcher struct {
	store     storage.Store
	handlers  []Handler
	backoff   Backoff
	batchSize int
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithBatchSize limits how many messages one pass loads
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics records delivery outcomes
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher. backoff may be nil for a fixed one minute delay.
func NewDispatcher(store storage.Store, backoff Backoff, handlers []Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		handlers:  handlers,
		backoff:   backoff,
		batchSize: 100,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("component", "dispatcher")
	return d
}

// RunOnce delivers every message due now. A message is marked delivered
// only after all handlers accepted it; otherwise it is rescheduled.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	start := d.now()
	var report Report

	msgs, err := d.store.PendingOutbox(ctx, start, d.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to load outbox: %w", err)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		deliverErr := d.deliver(ctx, msg)
		if deliverErr == nil {
			if err := d.store.MarkOutboxDelivered(ctx, msg.ID, d.now()); err != nil {
				return report, fmt.Errorf("failed to mark message %s delivered: %w", msg.ID, err)
			}
			report.Delivered++
			continue
		}

		report.Failed++
		attempts := msg.Attempts + 1
		delay := time.Minute
		if d.backoff != nil {
			delay = d.backoff.NextRetryDelay(attempts)
		}
		entry := d.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"account_id": msg.AccountID,
			"attempts":   attempts,
			"retry_in":   delay.String(),
		}).WithError(deliverErr)
		if attempts >= 10 {
			entry.Error("outbox message keeps failing")
		} else {
			entry.Warn("outbox delivery failed")
		}
		if err := d.store.MarkOutboxFailed(ctx, msg.ID, deliverErr.Error(), d.now().Add(delay)); err != nil {
			return report, fmt.Errorf("failed to reschedule message %s: %w", msg.ID, err)
		}
	}

	report.Duration = d.now().Sub(start)
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *storage.OutboxMessage) error {
	ev, err := DecodeTransition(msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range d.handlers {
		err := h.Handle(ctx, ev)
		d.metrics.ObserveOutboxDelivery(h.Name(), err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
