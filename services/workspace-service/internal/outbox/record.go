package outbox

import (
	"errors"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRelayed Status = "relayed"
	StatusDLQ     Status = "dlq"
)

// CanTransitionTo reports whether a record in s may move to next. Relayed and dlq
// are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && (next == StatusRelayed || next == StatusDLQ)
}

var (
	ErrNotFound     = errors.New("outbox: record not found")
	ErrTierMismatch = errors.New("outbox: tier differs from the catalog declaration")
)

// Record is one outbox row. Payload is the serialized envelope and is never
// rewritten after insert.
type Record struct {
	OutboxID       string
	IdempotencyKey string
	EventType      string
	AggregateID    string
	DLQTier        events.Tier
	Payload        []byte
	CreatedAt      time.Time
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	RelayedAt      *time.Time
	Traceparent    string
	Tracestate     string
}

func (r Record) Envelope() (events.Envelope, error) {
	return events.DecodeEnvelope(r.Payload)
}
