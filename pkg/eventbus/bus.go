// Package eventbus provides a single-process publish/subscribe bus with
// per-subscriber retry and a dead-letter sink. Subscribers register by
// event type; each subscriber is driven by its own goroutine pulling from
// its own bounded channel, so one slow or failing subscriber never stalls
// delivery to the others.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/evalgo/approvalflow/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of lifecycle event flowing through the bus.
// The canonical set is declared in pkg/workflow to keep the event vocabulary
// next to the state machine it describes; the bus itself is agnostic to the
// domain and just moves EventType-tagged envelopes around.
type EventType string

// Event is the tagged-variant envelope dispatched to subscribers: an event
// type plus a typed JSON payload. Modeling events this way (rather than as
// heterogeneous Go structs) keeps the handler signature uniform.
type Event struct {
	Type       EventType
	WorkflowID string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// Handler processes one event. A returned error is treated as a transient
// delivery failure and retried with backoff.
type Handler func(ctx context.Context, evt Event) error

// DeadLetterSink persists events whose delivery permanently failed after
// the configured retries were exhausted. pkg/dlqstore implements this.
type DeadLetterSink interface {
	Record(ctx context.Context, eventType string, payload json.RawMessage, lastErr string, retryCount int, workflowID *string) error
}

// Config controls the bus's delivery queue size and retry policy.
type Config struct {
	// QueueSize bounds each subscriber's inbox; Publish blocks once a
	// subscriber's queue is full (back-pressure per spec section 4.2).
	QueueSize int

	// MaxAttempts is the total number of delivery attempts per event per
	// subscriber, including the first. EVENT_BUS_MAX_RETRIES in the
	// environment maps to MaxAttempts-1.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier scales the delay between successive retries.
	BackoffMultiplier float64

	Logger *logrus.Entry

	// Tracer wraps each delivery attempt in a span. Nil disables tracing.
	Tracer *telemetry.Provider
}

// DefaultConfig returns sane defaults matching spec section 6's env vars.
func DefaultConfig() Config {
	return Config{
		QueueSize:         256,
		MaxAttempts:       5,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

type subscription struct {
	eventType EventType
	handler   Handler
	inbox     chan Event
}

// Bus is an in-process publish/subscribe dispatcher.
type Bus struct {
	cfg    Config
	logger *logrus.Entry
	dlq    DeadLetterSink

	mu   sync.RWMutex
	subs map[EventType][]*subscription

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Bus. Call Start before publishing and Stop on shutdown.
func New(cfg Config, dlq DeadLetterSink) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "eventbus"),
		dlq:    dlq,
		subs:   make(map[EventType][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers handler for eventType. Must be called before Start;
// subscribing after Start is not supported since each subscriber owns a
// goroutine spun up once at Start.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		inbox:     make(chan Event, b.cfg.QueueSize),
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
}

// Start launches one delivery goroutine per registered subscription.
func (b *Bus) Start() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			b.wg.Add(1)
			go b.runSubscriber(sub)
		}
	}
}

// Stop cancels delivery goroutines and waits for in-flight handler calls to
// finish. Queued-but-undelivered events are dropped (the event log already
// has the durable record; the bus is a delivery mechanism, not storage).
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Publish enqueues evt to every subscriber registered for evt.Type. It
// returns once the event has been accepted onto each subscriber's queue,
// not once delivered; it blocks if a subscriber's queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.inbox <- evt:
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) runSubscriber(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case evt, ok := <-sub.inbox:
			if !ok {
				return
			}
			b.deliver(sub, evt)
		}
	}
}

// deliver drives one event through the retry policy for one subscriber. A
// failure here affects only this subscriber; other subscribers already
// received their own copy of evt independently.
func (b *Bus) deliver(sub *subscription, evt Event) {
	ctx, span := b.cfg.Tracer.StartDeliver(b.ctx, string(evt.Type), evt.WorkflowID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.Multiplier = b.cfg.BackoffMultiplier
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	attempt := 0
	var lastErr error

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		herr := sub.handler(ctx, evt)
		if herr != nil {
			lastErr = herr
			b.logger.WithError(herr).
				WithField("event_type", evt.Type).
				WithField("workflow_id", evt.WorkflowID).
				WithField("attempt", attempt).
				Warn("subscriber handler failed, retrying")
		}
		return struct{}{}, herr
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.MaxAttempts)),
	)
	if err == nil {
		telemetry.End(span, nil)
		return
	}

	b.logger.WithError(err).
		WithField("event_type", evt.Type).
		WithField("workflow_id", evt.WorkflowID).
		Error("subscriber exhausted retries, moving event to dead-letter queue")

	if b.dlq == nil {
		telemetry.End(span, err)
		return
	}

	var workflowID *string
	if evt.WorkflowID != "" {
		wid := evt.WorkflowID
		workflowID = &wid
	}

	errMsg := "unknown error"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	dlqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dlqErr := b.dlq.Record(dlqCtx, string(evt.Type), evt.Payload, errMsg, attempt, workflowID); dlqErr != nil {
		b.logger.WithError(dlqErr).Error("failed to persist dead-letter entry")
	}
	telemetry.End(span, err)
}

// SubscriberCount returns the number of handlers registered for eventType,
// primarily for tests.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// ErrNoSubscribers is a descriptive helper for callers that want to assert
// at least one handler is wired for a given event type at startup.
func (b *Bus) ErrNoSubscribers(eventType EventType) error {
	if b.SubscriberCount(eventType) == 0 {
		return fmt.Errorf("eventbus: no subscribers registered for %s", eventType)
	}
	return nil
}
