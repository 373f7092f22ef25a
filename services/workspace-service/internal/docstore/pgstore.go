package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
)

// ChangesChannel is the NOTIFY channel the documents trigger writes to.
const ChangesChannel = "docstore_changes"

// PgStore keeps documents in the jsonb documents table. Subscribers are fed by
// Run, which LISTENs on ChangesChannel.
type PgStore struct {
	pool   *db.Pool
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]ChangeFunc
}

func NewPgStore(pool *db.Pool, logger *slog.Logger) *PgStore {
	return &PgStore{pool: pool, logger: logger, subs: map[string]map[int]ChangeFunc{}}
}

func (s *PgStore) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.pool.WithinTx(ctx, fn)
}

func (s *PgStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if _, inTx := db.TxFromContext(ctx); inTx {
		query += ` FOR UPDATE`
	}
	var raw []byte
	if err := s.pool.Conn(ctx).QueryRow(ctx, query, collection, id).Scan(&raw); err != nil {
		if db.IsNoRows(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return Snapshot{ID: id, Data: doc}, nil
}

func (s *PgStore) Set(ctx context.Context, collection, id string, doc Doc, merge bool) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	assign := `data = EXCLUDED.data`
	if merge {
		assign = `data = documents.data || EXCLUDED.data`
	}
	_, err = s.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, id) DO UPDATE SET `+assign+`, updated_at = now()
	`, collection, id, raw)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PgStore) Update(ctx context.Context, collection, id string, patch Doc) error {
	raw, err := json.Marshal(patch)
	if err != nil || patch == nil {
		return fmt.Errorf("%w: patch", ErrInvalidDocument)
	}
	tag, err := s.pool.Conn(ctx).Exec(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2
	`, collection, id, raw)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Conn(ctx).Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query translates each filter into a jsonb containment clause.
func (s *PgStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range filters {
		var probe Doc
		switch f.Op {
		case OpEq:
			probe = Doc{f.Field: f.Value}
		case OpContains:
			probe = Doc{f.Field: []any{f.Value}}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, f.Op)
		}
		raw, err := json.Marshal(probe)
		if err != nil {
			return nil, err
		}
		args = append(args, raw)
		query += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		out = append(out, Snapshot{ID: id, Data: doc})
	}
	return out, rows.Err()
}

func (s *PgStore) Subscribe(collection string, fn ChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.subs[collection] == nil {
		s.subs[collection] = map[int]ChangeFunc{}
	}
	s.subs[collection][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[collection], id)
		})
	}
}

// Run dispatches committed changes to subscribers until ctx is cancelled.
func (s *PgStore) Run(ctx context.Context) error {
	s.pool.Listen(ctx, s.logger, ChangesChannel, func(payload string) {
		var c Change
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			s.logger.WarnContext(ctx, "bad docstore change payload", "payload", payload, "err", err)
			return
		}
		s.mu.Lock()
		fns := make([]ChangeFunc, 0, len(s.subs[c.Collection]))
		for _, fn := range s.subs[c.Collection] {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(ctx, c)
		}
	})
	return nil
}
