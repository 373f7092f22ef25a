package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
)

// Store persists saga state. Update succeeds only if the stored version equals
// s.Version and then increments s.Version.
type Store interface {
	Create(ctx context.Context, s State) error
	Get(ctx context.Context, sagaID string) (State, error)
	Update(ctx context.Context, s *State) error
	ListActive(ctx context.Context) ([]State, error)
}

type PgStore struct {
	pool *db.Pool
}

func NewPgStore(pool *db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (p *PgStore) Create(ctx context.Context, s State) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return err
	}
	tag, err := p.pool.Conn(ctx).Exec(ctx, `
		INSERT INTO sagas (saga_id, schedule_item_id, workspace_id, assignee_id, starts_at, ends_at, status, current_step, steps, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)
		ON CONFLICT (saga_id) DO NOTHING
	`, s.SagaID, s.ScheduleItemID, s.WorkspaceID, s.AssigneeID, s.StartsAt, s.EndsAt, string(s.Status), s.CurrentStep, steps, int64(s.Version), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert saga %s: %w", s.SagaID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

const sagaColumns = `saga_id, schedule_item_id, workspace_id, assignee_id, starts_at, ends_at, status, current_step, steps, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (State, error) {
	var (
		s       State
		status  string
		steps   []byte
		version int64
	)
	if err := row.Scan(&s.SagaID, &s.ScheduleItemID, &s.WorkspaceID, &s.AssigneeID, &s.StartsAt, &s.EndsAt, &status, &s.CurrentStep, &steps, &version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return State{}, err
	}
	s.Status = Status(status)
	s.Version = uint64(version)
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return State{}, fmt.Errorf("decode saga steps: %w", err)
	}
	return s, nil
}

func (p *PgStore) Get(ctx context.Context, sagaID string) (State, error) {
	s, err := scanState(p.pool.Conn(ctx).QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = $1`, sagaID))
	if err != nil {
		if db.IsNoRows(err) {
			return State{}, ErrNotFound
		}
		return State{}, err
	}
	return s, nil
}

func (p *PgStore) Update(ctx context.Context, s *State) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return err
	}
	tag, err := p.pool.Conn(ctx).Exec(ctx, `
		UPDATE sagas
		SET status = $2, current_step = $3, steps = $4::jsonb, version = version + 1, updated_at = $5
		WHERE saga_id = $1 AND version = $6
	`, s.SagaID, string(s.Status), s.CurrentStep, steps, s.UpdatedAt, int64(s.Version))
	if err != nil {
		return fmt.Errorf("update saga %s: %w", s.SagaID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

func (p *PgStore) ListActive(ctx context.Context) ([]State, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sagaColumns+` FROM sagas
		WHERE status NOT IN ('completed', 'compensated', 'failed')
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu    sync.Mutex
	sagas map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: map[string]State{}}
}

func (m *MemoryStore) Create(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[s.SagaID]; ok {
		return ErrAlreadyExists
	}
	m.sagas[s.SagaID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sagaID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[sagaID]
	if !ok {
		return State{}, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sagas[s.SagaID]
	if !ok || cur.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.sagas[s.SagaID] = s.clone()
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, s := range m.sagas {
		if !s.Status.Terminal() {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
