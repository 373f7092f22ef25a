package outbox

import (
	"context"
	"time"
)

// Store persists outbox rows. Every status change is a compare-and-swap on
// status = 'pending'; the bool result reports whether this caller won it.
type Store interface {
	// Insert must join the caller's transaction.
	Insert(ctx context.Context, r Record) error
	// ClaimDue returns up to limit pending rows due at now and pushes their next
	// attempt to now+lease so concurrent relays skip them.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Record, error)
	MarkRelayed(ctx context.Context, outboxID string, at time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, outboxID string, attempts int, next time.Time, lastErr string) (bool, error)
	MarkDLQ(ctx context.Context, outboxID string, attempts int, lastErr string) (bool, error)
	Get(ctx context.Context, outboxID string) (Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	// OldestUnapplied returns the creation time of the oldest row of aggregateID
	// with one of eventTypes whose envelope version is above afterVersion, in any
	// status. ok is false when there is none.
	OldestUnapplied(ctx context.Context, aggregateID string, eventTypes []string, afterVersion uint64) (oldest time.Time, ok bool, err error)
}
