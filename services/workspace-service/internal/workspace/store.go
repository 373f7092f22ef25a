package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
)

// Store persists aggregate state with optimistic versioning. Save with
// expectedVersion 0 creates; otherwise the stored version must match.
type Store interface {
	Load(ctx context.Context, aggregateType, id string, into any) (uint64, error)
	Save(ctx context.Context, aggregateType, id string, expectedVersion uint64, state any) (uint64, error)
}

type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Load(ctx context.Context, aggregateType, id string, into any) (uint64, error) {
	query := `SELECT version, state FROM aggregates WHERE aggregate_type = $1 AND aggregate_id = $2`
	if _, inTx := db.TxFromContext(ctx); inTx {
		query += ` FOR UPDATE`
	}
	var (
		version int64
		raw     []byte
	)
	if err := s.pool.Conn(ctx).QueryRow(ctx, query, aggregateType, id).Scan(&version, &raw); err != nil {
		if db.IsNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("load %s %s: %w", aggregateType, id, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return 0, fmt.Errorf("decode %s %s: %w", aggregateType, id, err)
	}
	return uint64(version), nil
}

func (s *PgStore) Save(ctx context.Context, aggregateType, id string, expectedVersion uint64, state any) (uint64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	next := expectedVersion + 1
	q := s.pool.Conn(ctx)
	if expectedVersion == 0 {
		tag, err := q.Exec(ctx, `
			INSERT INTO aggregates (aggregate_type, aggregate_id, version, state, updated_at)
			VALUES ($1, $2, 1, $3::jsonb, now())
			ON CONFLICT (aggregate_type, aggregate_id) DO NOTHING
		`, aggregateType, id, raw)
		if err != nil {
			return 0, fmt.Errorf("create %s %s: %w", aggregateType, id, err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrConcurrentModification
		}
		return 1, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE aggregates SET version = $4, state = $3::jsonb, updated_at = now()
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version = $5
	`, aggregateType, id, raw, int64(next), int64(expectedVersion))
	if err != nil {
		return 0, fmt.Errorf("save %s %s: %w", aggregateType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrConcurrentModification
	}
	return next, nil
}

type memAggregate struct {
	version uint64
	state   []byte
}

type MemoryStore struct {
	mu   sync.Mutex
	aggs map[[2]string]memAggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{aggs: map[[2]string]memAggregate{}}
}

func (s *MemoryStore) Load(_ context.Context, aggregateType, id string, into any) (uint64, error) {
	s.mu.Lock()
	a, ok := s.aggs[[2]string{aggregateType, id}]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(a.state, into); err != nil {
		return 0, err
	}
	return a.version, nil
}

func (s *MemoryStore) Save(_ context.Context, aggregateType, id string, expectedVersion uint64, state any) (uint64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{aggregateType, id}
	current, exists := s.aggs[k]
	switch {
	case expectedVersion == 0 && exists:
		return 0, ErrConcurrentModification
	case expectedVersion > 0 && (!exists || current.version != expectedVersion):
		return 0, ErrConcurrentModification
	}
	next := expectedVersion + 1
	s.aggs[k] = memAggregate{version: next, state: raw}
	return next, nil
}
