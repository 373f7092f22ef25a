// Package inbox records which events a consumer has already handled.
package inbox

import (
	"context"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
)

// Store.Record returns false when (consumer, key) was recorded before. Call it
// inside the transaction that performs the consumer's side effects.
type Store interface {
	Record(ctx context.Context, consumer, idempotencyKey, eventType string) (bool, error)
}

type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (r *PgStore) Record(ctx context.Context, consumer, idempotencyKey, eventType string) (bool, error) {
	tag, err := r.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO inbox_events (consumer, idempotency_key, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, idempotency_key) DO NOTHING
	`, consumer, idempotencyKey, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type MemoryStore struct {
	mu   sync.Mutex
	seen map[[2]string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: map[[2]string]struct{}{}}
}

func (s *MemoryStore) Record(_ context.Context, consumer, idempotencyKey, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{consumer, idempotencyKey}
	if _, ok := s.seen[k]; ok {
		return false, nil
	}
	s.seen[k] = struct{}{}
	return true, nil
}

// Forget drops a record so a rolled-back handler can run again. Only the
// memory store needs it; postgres rolls the insert back with the transaction.
func (s *MemoryStore) Forget(consumer, idempotencyKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, [2]string{consumer, idempotencyKey})
}

type forgetter interface {
	Forget(consumer, idempotencyKey string)
}

// Once runs fn inside a transaction unless consumer already handled env. ran
// reports whether fn ran and committed.
func Once(ctx context.Context, tx db.TxRunner, store Store, consumer string, env events.Envelope, fn func(ctx context.Context) error) (ran bool, err error) {
	err = tx.WithinTx(ctx, func(ctx context.Context) error {
		first, err := store.Record(ctx, consumer, env.IdempotencyKey, env.EventType)
		if err != nil || !first {
			return err
		}
		if err := fn(ctx); err != nil {
			if f, ok := store.(forgetter); ok {
				f.Forget(consumer, env.IdempotencyKey)
			}
			return err
		}
		ran = true
		return nil
	})
	return ran, err
}
