// Package relay drains the outbox into the integration event router with
// at-least-once delivery.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	otelx "github.com/md-rashed-zaman/tenantflow/libs/otel"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink accepts an envelope for routing. A nil error is the confirmation that
// lets the record become relayed.
type Sink interface {
	Deliver(ctx context.Context, env events.Envelope) error
}

type SinkFunc func(ctx context.Context, env events.Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

type Parker interface {
	ParkRecord(ctx context.Context, rec outbox.Record, attempts int, reason string) (dlq.Entry, bool, error)
	IsFrozen(ctx context.Context, aggregateID string) (bool, error)
}

type Config struct {
	PollEvery time.Duration
	BatchSize int
	Lease     time.Duration
	// HoldFor is how long a held SECURITY_BLOCK record waits before it is looked at again.
	HoldFor time.Duration
	Policy  Policy
}

func (c Config) withDefaults() Config {
	if c.PollEvery <= 0 {
		c.PollEvery = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.HoldFor <= 0 {
		c.HoldFor = 30 * time.Second
	}
	if c.Policy.ReviewMaxAttempts <= 0 {
		c.Policy.ReviewMaxAttempts = DefaultPolicy().ReviewMaxAttempts
	}
	if c.Policy.Backoff.Initial <= 0 {
		c.Policy.Backoff = DefaultBackoff()
	}
	return c
}

type Worker struct {
	store  outbox.Store
	sink   Sink
	parker Parker
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	wake   chan struct{}
	tracer trace.Tracer
}

func NewWorker(store outbox.Store, sink Sink, parker Parker, logger *slog.Logger, cfg Config) *Worker {
	return &Worker{
		store:  store,
		sink:   sink,
		parker: parker,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		tracer: otel.Tracer("relay"),
	}
}

// Result summarises one DrainOnce pass.
type Result struct {
	Claimed int
	Relayed int
	Retried int
	Parked  int
	Held    int
}

// Wake asks Run to drain immediately. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled. A full batch is followed by another pass
// without waiting for the ticker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollEvery)
	defer ticker.Stop()

	for {
		res := w.DrainOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if res.Claimed >= w.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) DrainOnce(ctx context.Context) Result {
	var res Result
	now := w.now().UTC()
	records, err := w.store.ClaimDue(ctx, now, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "outbox claim failed", "err", err)
		}
		return res
	}
	res.Claimed = len(records)

	// Once a record of an aggregate fails, later records of that aggregate in
	// the batch wait for it so per-aggregate order is kept.
	blocked := map[string]time.Time{}
	for _, rec := range records {
		if until, ok := blocked[rec.AggregateID]; ok {
			w.reschedule(ctx, rec, rec.Attempts, until, "waiting for earlier event of aggregate")
			res.Held++
			continue
		}
		switch outcome, next := w.process(ctx, rec); outcome {
		case outcomeRelayed:
			res.Relayed++
		case outcomeRetried:
			res.Retried++
			blocked[rec.AggregateID] = next
		case outcomeParked:
			res.Parked++
		case outcomeHeld:
			res.Held++
			blocked[rec.AggregateID] = next
		case outcomeLost:
			blocked[rec.AggregateID] = now.Add(w.cfg.Lease)
		}
	}
	return res
}

type outcome int

const (
	outcomeRelayed outcome = iota + 1
	outcomeRetried
	outcomeParked
	outcomeHeld
	// The record changed under us or the status write failed; the lease expires
	// and it is claimed again.
	outcomeLost
)

func (w *Worker) process(ctx context.Context, rec outbox.Record) (outcome, time.Time) {
	ctx = otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	ctx, span := w.tracer.Start(ctx, "outbox.relay", trace.WithAttributes(
		attribute.String("outbox.id", rec.OutboxID),
		attribute.String("event.type", rec.EventType),
		attribute.String("dlq.tier", string(rec.DLQTier)),
		attribute.Int("outbox.attempts", rec.Attempts),
	))
	defer span.End()
	log := w.logger.With("outbox_id", rec.OutboxID, "event_type", rec.EventType, "aggregate_id", rec.AggregateID)

	if rec.DLQTier == events.TierSecurityBlock {
		frozen, err := w.parker.IsFrozen(ctx, rec.AggregateID)
		if err != nil {
			log.ErrorContext(ctx, "freeze lookup failed", "err", err)
			return outcomeLost, time.Time{}
		}
		if frozen {
			next := w.now().UTC().Add(w.cfg.HoldFor)
			w.reschedule(ctx, rec, rec.Attempts, next, "held: aggregate security state frozen")
			metrics.Inc(ctx, metrics.RelayHeld)
			return outcomeHeld, next
		}
	}

	err := w.deliver(ctx, rec)
	if err == nil {
		won, err := w.store.MarkRelayed(ctx, rec.OutboxID, w.now().UTC())
		if err != nil {
			// Delivered but not recorded: the record is delivered again after the
			// lease, and consumers discard the duplicate.
			log.ErrorContext(ctx, "mark relayed failed", "err", err)
			span.RecordError(err)
			return outcomeLost, time.Time{}
		}
		if !won {
			log.WarnContext(ctx, "record no longer pending after delivery")
			return outcomeLost, time.Time{}
		}
		metrics.Inc(ctx, metrics.RelayDelivered, attribute.String("event_type", rec.EventType))
		return outcomeRelayed, time.Time{}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.Inc(ctx, metrics.RelayFailed, attribute.String("tier", string(rec.DLQTier)))
	attempts := rec.Attempts + 1
	decision := w.cfg.Policy.Decide(rec.DLQTier, attempts, err)

	switch decision.Action {
	case ActionPark:
		_, parked, perr := w.parker.ParkRecord(ctx, rec, attempts, err.Error())
		if perr != nil {
			log.ErrorContext(ctx, "dlq park failed", "err", perr)
			return outcomeLost, time.Time{}
		}
		if !parked {
			return outcomeLost, time.Time{}
		}
		return outcomeParked, time.Time{}
	default:
		if decision.Warn {
			log.WarnContext(ctx, "safe-auto record still failing past the standard bound; retrying",
				"attempts", attempts, "err", err)
		} else {
			log.InfoContext(ctx, "delivery failed; retry scheduled", "attempts", attempts, "delay", decision.Delay, "err", err)
		}
		next := w.now().UTC().Add(decision.Delay)
		w.reschedule(ctx, rec, attempts, next, err.Error())
		return outcomeRetried, next
	}
}

func (w *Worker) deliver(ctx context.Context, rec outbox.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	env, err := rec.Envelope()
	if err != nil {
		return Permanent(err)
	}
	return w.sink.Deliver(ctx, env)
}

func (w *Worker) reschedule(ctx context.Context, rec outbox.Record, attempts int, next time.Time, reason string) {
	if _, err := w.store.ScheduleRetry(ctx, rec.OutboxID, attempts, next, reason); err != nil {
		w.logger.ErrorContext(ctx, "schedule retry failed", "outbox_id", rec.OutboxID, "err", err)
	}
}
