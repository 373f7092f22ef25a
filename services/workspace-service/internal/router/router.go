// Package router classifies integration events into lanes and fans them out to
// the subscribers registered for each event type.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrLaneMismatch        = errors.New("router: event type is not classified into this lane")
	ErrDuplicateSubscriber = errors.New("router: subscriber already registered for event type")
	ErrInvalidSubscriber   = errors.New("router: subscriber needs a name and a handler")
)

// Handler consumes one envelope. Returning backoff.Permanent(err) skips the
// remaining in-place retries.
type Handler func(ctx context.Context, env events.Envelope) error

// Unregister removes a subscription. It is safe to call more than once.
type Unregister func()

// LanePublisher hands a classified envelope to whatever carries the lane.
type LanePublisher interface {
	Publish(ctx context.Context, lane events.Lane, env events.Envelope) error
}

// SubscriberError reports a subscriber that still failed after its retries.
type SubscriberError struct {
	Subscriber string
	EventType  string
	Attempts   int
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s failed on %s after %d attempt(s): %v", e.Subscriber, e.EventType, e.Attempts, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

type RetryConfig struct {
	MaxTries uint
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetry() RetryConfig {
	return RetryConfig{MaxTries: 3, Initial: 50 * time.Millisecond, Max: time.Second}
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

type Router struct {
	catalog   *events.Catalog
	logger    *slog.Logger
	retry     RetryConfig
	publisher LanePublisher
	tracer    trace.Tracer

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

type Option func(*Router)

func WithPublisher(p LanePublisher) Option { return func(r *Router) { r.publisher = p } }

func WithRetry(c RetryConfig) Option { return func(r *Router) { r.retry = c } }

// New builds a router. Failures are returned to the caller; the relay and the
// lane consumers escalate them through the dlq, which owns operator alerts.
func New(catalog *events.Catalog, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		catalog: catalog,
		logger:  logger,
		retry:   DefaultRetry(),
		subs:    map[string][]subscription{},
		tracer:  otel.Tracer("router"),
	}
	r.publisher = LocalPublisher{Router: r}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.MaxTries == 0 {
		r.retry.MaxTries = 1
	}
	return r
}

// Classify returns the lane declared for eventType. Unknown types are rejected.
func (r *Router) Classify(eventType string) (events.Lane, error) {
	return r.catalog.Classify(eventType)
}

// Subscribe registers handler for eventType. Subscribers of one type are called
// in registration order.
func (r *Router) Subscribe(eventType, name string, handler Handler) (Unregister, error) {
	if name == "" || handler == nil {
		return nil, ErrInvalidSubscriber
	}
	if _, err := r.catalog.Classify(eventType); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs[eventType] {
		if s.name == name {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateSubscriber, name, eventType)
		}
	}
	r.nextID++
	id := r.nextID
	r.subs[eventType] = append(r.subs[eventType], subscription{id: id, name: name, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventType, id) })
	}, nil
}

func (r *Router) remove(eventType string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[eventType]
	for i, s := range list {
		if s.id == id {
			r.subs[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[eventType]) == 0 {
		delete(r.subs, eventType)
	}
}

// Subscribers lists subscriber names for eventType in delivery order.
func (r *Router) Subscribers(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs[eventType]))
	for _, s := range r.subs[eventType] {
		names = append(names, s.name)
	}
	return names
}

// Accept classifies env and hands it to the lane publisher.
func (r *Router) Accept(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		metrics.Inc(ctx, metrics.RouterRejected)
		return err
	}
	lane, err := r.Classify(env.EventType)
	if err != nil {
		metrics.Inc(ctx, metrics.RouterRejected)
		return err
	}
	return r.publisher.Publish(ctx, lane, env)
}

// Deliver lets the router act as the relay's sink.
func (r *Router) Deliver(ctx context.Context, env events.Envelope) error {
	return r.Accept(ctx, env)
}

// PublishToLane delivers env to every subscriber of its type. Each subscriber
// retries on its own; failures are joined into the returned error as
// *SubscriberError values.
func (r *Router) PublishToLane(ctx context.Context, lane events.Lane, env events.Envelope) error {
	declared, err := r.Classify(env.EventType)
	if err != nil {
		metrics.Inc(ctx, metrics.RouterRejected)
		return err
	}
	if declared != lane {
		metrics.Inc(ctx, metrics.RouterRejected)
		return fmt.Errorf("%w: %s is %s, published to %s", ErrLaneMismatch, env.EventType, declared, lane)
	}

	r.mu.RLock()
	subs := append([]subscription(nil), r.subs[env.EventType]...)
	r.mu.RUnlock()

	ctx = events.WithTraceID(ctx, env.TraceID)
	ctx, span := r.tracer.Start(ctx, "router.publish", trace.WithAttributes(
		attribute.String("event.type", env.EventType),
		attribute.String("event.lane", string(lane)),
		attribute.Int("router.subscribers", len(subs)),
	))
	defer span.End()

	if len(subs) == 0 {
		r.logger.DebugContext(ctx, "no subscribers", "event_type", env.EventType)
		return nil
	}

	var errs []error
	for _, s := range subs {
		if err := r.deliver(ctx, s, env); err != nil {
			errs = append(errs, err)
			metrics.Inc(ctx, metrics.RouterFailed, attribute.String("subscriber", s.name))
			r.logger.ErrorContext(ctx, "subscriber failed",
				"subscriber", s.name,
				"event_type", env.EventType,
				"event_id", env.EventID,
				"trace_id", env.TraceID,
				"err", err,
			)
			continue
		}
		metrics.Inc(ctx, metrics.RouterDelivered, attribute.String("subscriber", s.name))
	}
	if len(errs) == 0 {
		return nil
	}

	joined := errors.Join(errs...)
	span.RecordError(joined)
	span.SetStatus(codes.Error, "subscriber failure")
	return joined
}

func (r *Router) deliver(ctx context.Context, s subscription, env events.Envelope) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.retry.Initial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         r.retry.Max,
	}
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, r.call(ctx, s, env)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.retry.MaxTries))
	if err != nil {
		return &SubscriberError{Subscriber: s.name, EventType: env.EventType, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *Router) call(ctx context.Context, s subscription, env events.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", s.name, p)
		}
	}()
	return s.handler(ctx, env)
}

// LocalPublisher fans out in process.
type LocalPublisher struct {
	Router *Router
}

func (p LocalPublisher) Publish(ctx context.Context, lane events.Lane, env events.Envelope) error {
	return p.Router.PublishToLane(ctx, lane, env)
}
