// Package dlq parks deliveries that exhausted their tier's retry policy and
// lets operators replay them.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
)

var (
	ErrNotFound        = errors.New("dlq: entry not found")
	ErrAlreadyReplayed = errors.New("dlq: entry already replayed")
	ErrAggregateFrozen = errors.New("dlq: aggregate is frozen; unfreeze before replaying")
	ErrNotFrozen       = errors.New("dlq: aggregate is not frozen")
)

// Entry is a parked delivery. Payload is the original serialized envelope,
// idempotency key included.
type Entry struct {
	ID             string      `json:"id"`
	OutboxID       string      `json:"outboxId,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey"`
	EventType      string      `json:"eventType"`
	AggregateID    string      `json:"aggregateId"`
	Tier           events.Tier `json:"tier"`
	Payload        []byte      `json:"-"`
	Reason         string      `json:"reason"`
	RetryCount     int         `json:"retryCount"`
	FailedAt       time.Time   `json:"failedAt"`
	ReplayedAt     *time.Time  `json:"replayedAt,omitempty"`
	ReplayedBy     string      `json:"replayedBy,omitempty"`
	ReplayOutboxID string      `json:"replayOutboxId,omitempty"`
}

func (e Entry) Envelope() (events.Envelope, error) {
	return events.DecodeEnvelope(e.Payload)
}

// Freeze blocks delivery of SECURITY_BLOCK records for one aggregate.
type Freeze struct {
	AggregateID string    `json:"aggregateId"`
	OutboxID    string    `json:"outboxId,omitempty"`
	Reason      string    `json:"reason"`
	FrozenAt    time.Time `json:"frozenAt"`
}

type ListFilter struct {
	Tier            events.Tier
	IncludeReplayed bool
	Limit           int
}

type Store interface {
	// Insert reports false when an entry for the same outbox row (or, for
	// consumer-side parking, the same open idempotency key) already exists.
	Insert(ctx context.Context, e Entry) (bool, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, f ListFilter) ([]Entry, error)
	MarkReplayed(ctx context.Context, id, operator, replayOutboxID string, at time.Time) (bool, error)

	Freeze(ctx context.Context, f Freeze) (bool, error)
	Unfreeze(ctx context.Context, aggregateID string) (bool, error)
	IsFrozen(ctx context.Context, aggregateID string) (bool, error)
	ListFreezes(ctx context.Context) ([]Freeze, error)
}
