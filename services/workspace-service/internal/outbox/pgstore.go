package outbox

import (
	"context"
	"errors"
	"sort"
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

const recordColumns = `outbox_id, idempotency_key, event_type, aggregate_id, dlq_tier, payload, created_at,
	status, attempts, next_attempt_at, last_error, relayed_at, traceparent, tracestate`

func (s *PgStore) Insert(ctx context.Context, r Record) error {
	tx, err := db.RequireTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_records (outbox_id, idempotency_key, event_type, aggregate_id, dlq_tier, payload,
			created_at, status, next_attempt_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.OutboxID, r.IdempotencyKey, r.EventType, r.AggregateID, string(r.DLQTier), r.Payload,
		r.CreatedAt, string(StatusPending), r.NextAttemptAt, r.Traceparent, r.Tracestate)
	return err
}

func (s *PgStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Record, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		WITH due AS (
			SELECT outbox_id
			FROM outbox_records
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_records o
		SET next_attempt_at = $1 + make_interval(secs => $3)
		FROM due
		WHERE o.outbox_id = due.outbox_id
		RETURNING `+prefixed("o.")+`, o.seq
	`, now, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		rec Record
		seq int64
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		if err := scanInto(rows, &c.rec, &c.seq); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not keep the CTE order.
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	records := make([]Record, len(out))
	for i, c := range out {
		records[i] = c.rec
	}
	return records, nil
}

func (s *PgStore) MarkRelayed(ctx context.Context, outboxID string, at time.Time) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE outbox_records
		SET status = 'relayed', relayed_at = $2, last_error = ''
		WHERE outbox_id = $1 AND status = 'pending'
	`, outboxID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ScheduleRetry(ctx context.Context, outboxID string, attempts int, next time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE outbox_records
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE outbox_id = $1 AND status = 'pending'
	`, outboxID, attempts, next, lastErr)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) MarkDLQ(ctx context.Context, outboxID string, attempts int, lastErr string) (bool, error) {
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE outbox_records
		SET status = 'dlq', attempts = $2, last_error = $3
		WHERE outbox_id = $1 AND status = 'pending'
	`, outboxID, attempts, lastErr)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Get(ctx context.Context, outboxID string) (Record, error) {
	row := s.pool.Conn(ctx).QueryRow(ctx, `SELECT `+recordColumns+` FROM outbox_records WHERE outbox_id = $1`, outboxID)
	var r Record
	if err := scanInto(row, &r); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return r, nil
}

func (s *PgStore) OldestUnapplied(ctx context.Context, aggregateID string, eventTypes []string, afterVersion uint64) (time.Time, bool, error) {
	var oldest *time.Time
	err := s.pool.Conn(ctx).QueryRow(ctx, `
		SELECT min(created_at)
		FROM outbox_records
		WHERE aggregate_id = $1
		  AND event_type = ANY($2)
		  AND (payload->>'version')::bigint > $3
	`, aggregateID, eventTypes, int64(afterVersion)).Scan(&oldest)
	if err != nil || oldest == nil {
		return time.Time{}, false, err
	}
	return *oldest, true, nil
}

func (s *PgStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	rows, err := s.pool.Conn(ctx).Query(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := scanInto(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanInto(row pgx.Row, r *Record, extra ...any) error {
	var tier, status string
	dest := []any{&r.OutboxID, &r.IdempotencyKey, &r.EventType, &r.AggregateID, &tier, &r.Payload, &r.CreatedAt,
		&status, &r.Attempts, &r.NextAttemptAt, &r.LastError, &r.RelayedAt, &r.Traceparent, &r.Tracestate}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	r.DLQTier = events.Tier(tier)
	r.Status = Status(status)
	return nil
}

func prefixed(p string) string {
	return p + `outbox_id, ` + p + `idempotency_key, ` + p + `event_type, ` + p + `aggregate_id, ` +
		p + `dlq_tier, ` + p + `payload, ` + p + `created_at, ` + p + `status, ` + p + `attempts, ` +
		p + `next_attempt_at, ` + p + `last_error, ` + p + `relayed_at, ` + p + `traceparent, ` + p + `tracestate`
}
