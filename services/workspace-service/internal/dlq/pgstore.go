package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
)

type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const entryColumns = `id, COALESCE(outbox_id::text, ''), idempotency_key, event_type, aggregate_id, tier, envelope,
	reason, retry_count, failed_at, replayed_at, replayed_by, COALESCE(replay_outbox_id::text, '')`

func (s *PgStore) Insert(ctx context.Context, e Entry) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO dlq_entries (id, outbox_id, idempotency_key, event_type, aggregate_id, tier, envelope,
			reason, retry_count, failed_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`, e.ID, e.OutboxID, e.IdempotencyKey, e.EventType, e.AggregateID, string(e.Tier), e.Payload,
		e.Reason, e.RetryCount, e.FailedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+entryColumns+` FROM dlq_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		SELECT `+entryColumns+`
		FROM dlq_entries
		WHERE ($1 = '' OR tier = $1) AND ($2 OR replayed_at IS NULL)
		ORDER BY failed_at DESC
		LIMIT $3
	`, string(f.Tier), f.IncludeReplayed, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkReplayed(ctx context.Context, id, operator, replayOutboxID string, at time.Time) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE dlq_entries
		SET replayed_at = $2, replayed_by = $3, replay_outbox_id = $4
		WHERE id = $1 AND replayed_at IS NULL
	`, id, at, operator, replayOutboxID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Freeze(ctx context.Context, f Freeze) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO security_freezes (aggregate_id, outbox_id, reason, frozen_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4)
		ON CONFLICT (aggregate_id) DO NOTHING
	`, f.AggregateID, f.OutboxID, f.Reason, f.FrozenAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Unfreeze(ctx context.Context, aggregateID string) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `DELETE FROM security_freezes WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) IsFrozen(ctx context.Context, aggregateID string) (bool, error) {
	var frozen bool
	err := s.pool.Conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM security_freezes WHERE aggregate_id = $1)`, aggregateID).Scan(&frozen)
	return frozen, err
}

func (s *PgStore) ListFreezes(ctx context.Context) ([]Freeze, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		SELECT aggregate_id, COALESCE(outbox_id::text, ''), reason, frozen_at
		FROM security_freezes
		ORDER BY frozen_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Freeze
	for rows.Next() {
		var f Freeze
		if err := rows.Scan(&f.AggregateID, &f.OutboxID, &f.Reason, &f.FrozenAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var tier string
	err := row.Scan(&e.ID, &e.OutboxID, &e.IdempotencyKey, &e.EventType, &e.AggregateID, &tier, &e.Payload,
		&e.Reason, &e.RetryCount, &e.FailedAt, &e.ReplayedAt, &e.ReplayedBy, &e.ReplayOutboxID)
	e.Tier = events.Tier(tier)
	return e, err
}
