// Package events defines the envelope every domain event travels in and the
// catalog that declares, per event type, its delivery lane and DLQ tier.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/tenantflow/libs/otel"
)

var (
	ErrInvalidEnvelope     = errors.New("events: invalid envelope")
	ErrIdempotencyKeyDrift = errors.New("events: idempotency key does not match envelope")
)

// Envelope is the wire shape of every domain event. It is passed by value and
// has no mutators; the idempotency key is fixed when the envelope is built.
type Envelope struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	OccurredAt     time.Time       `json:"occurredAt"`
	SourceID       string          `json:"sourceId"`
	Payload        json.RawMessage `json:"payload"`
	Version        uint64          `json:"version"`
	TraceID        string          `json:"traceId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type EnvelopeParams struct {
	EventID    string // generated when empty
	EventType  string
	OccurredAt time.Time // now (UTC) when zero
	SourceID   string
	Version    uint64
	TraceID    string // taken from ctx when empty, see TraceIDFromContext
	Payload    any    // marshalled unless already json.RawMessage
}

// NewEnvelope validates p and computes the idempotency key exactly once.
func NewEnvelope(ctx context.Context, p EnvelopeParams) (Envelope, error) {
	raw, err := marshalPayload(p.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		EventID:    p.EventID,
		EventType:  strings.TrimSpace(p.EventType),
		OccurredAt: p.OccurredAt,
		SourceID:   strings.TrimSpace(p.SourceID),
		Payload:    raw,
		Version:    p.Version,
		TraceID:    p.TraceID,
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.TraceID == "" && ctx != nil {
		env.TraceID = TraceIDFromContext(ctx)
	}
	env.IdempotencyKey = BuildIdempotencyKey(env.EventID, env.SourceID, env.Version)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks field shape and that the carried key matches the envelope's own
// coordinates. It never repairs a key.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "" || strings.Contains(e.EventID, keySeparator):
		return fmt.Errorf("%w: event id %q", ErrInvalidEnvelope, e.EventID)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEnvelope)
	case e.SourceID == "":
		return fmt.Errorf("%w: source id is required", ErrInvalidEnvelope)
	case e.Version == 0:
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidEnvelope)
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidEnvelope)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurredAt is required", ErrInvalidEnvelope)
	}
	if e.IdempotencyKey != BuildIdempotencyKey(e.EventID, e.SourceID, e.Version) {
		return ErrIdempotencyKeyDrift
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Marshal returns the serialized envelope stored in outbox rows and lane messages.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a serialized envelope and validates it as received.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return b, nil
	}
}

type traceKey struct{}

// WithTraceID makes traceID the trace of every envelope built from ctx. Event
// handlers use it so derived events carry the trace of the event that caused
// them.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFromContext returns the id set by WithTraceID, falling back to the
// active span's trace id.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		return id
	}
	return otelx.TraceID(ctx)
}
