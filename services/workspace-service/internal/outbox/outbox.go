package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	otelx "github.com/md-rashed-zaman/tenantflow/libs/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Outbox is the producer side. Call Enqueue inside the same transaction as the
// aggregate write the envelope describes.
type Outbox struct {
	store   Store
	catalog *events.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, catalog *events.Catalog, logger *slog.Logger) *Outbox {
	return &Outbox{store: store, catalog: catalog, logger: logger, now: time.Now}
}

// Enqueue stores env with tier and returns the new outbox id. tier must match the
// catalog declaration for the event type.
func (o *Outbox) Enqueue(ctx context.Context, env events.Envelope, tier events.Tier) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	declared, err := o.catalog.TierOf(env.EventType)
	if err != nil {
		return "", err
	}
	if declared != tier {
		return "", fmt.Errorf("%w: %s declares %s, got %s", ErrTierMismatch, env.EventType, declared, tier)
	}
	payload, err := env.Marshal()
	if err != nil {
		return "", err
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	now := o.now().UTC()
	rec := Record{
		OutboxID:       uuid.NewString(),
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType,
		AggregateID:    env.SourceID,
		DLQTier:        tier,
		Payload:        payload,
		CreatedAt:      now,
		Status:         StatusPending,
		NextAttemptAt:  now,
		Traceparent:    traceparent,
		Tracestate:     tracestate,
	}
	if err := o.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("outbox insert %s: %w", env.EventType, err)
	}
	metrics.Inc(ctx, metrics.OutboxEnqueued, attribute.String("event_type", env.EventType))
	o.logger.DebugContext(ctx, "outbox enqueued",
		"outbox_id", rec.OutboxID,
		"event_type", env.EventType,
		"idempotency_key", env.IdempotencyKey,
	)
	return rec.OutboxID, nil
}

// EnqueueDeclared enqueues env with the tier its type declares.
func (o *Outbox) EnqueueDeclared(ctx context.Context, env events.Envelope) (string, error) {
	tier, err := o.catalog.TierOf(env.EventType)
	if err != nil {
		return "", err
	}
	return o.Enqueue(ctx, env, tier)
}

func (o *Outbox) Store() Store { return o.store }
