package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	freezes map[string]Freeze
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}, freezes: map[string]Freeze{}}
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if e.OutboxID != "" && existing.OutboxID == e.OutboxID {
			return false, nil
		}
		if e.OutboxID == "" && existing.OutboxID == "" && existing.ReplayedAt == nil &&
			existing.IdempotencyKey == e.IdempotencyKey {
			return false, nil
		}
	}
	s.entries[e.ID] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.Tier != "" && e.Tier != f.Tier {
			continue
		}
		if !f.IncludeReplayed && e.ReplayedAt != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkReplayed(_ context.Context, id, operator, replayOutboxID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.ReplayedAt != nil {
		return false, nil
	}
	e.ReplayedAt = &at
	e.ReplayedBy = operator
	e.ReplayOutboxID = replayOutboxID
	s.entries[id] = e
	return true, nil
}

func (s *MemoryStore) Freeze(_ context.Context, f Freeze) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.freezes[f.AggregateID]; ok {
		return false, nil
	}
	s.freezes[f.AggregateID] = f
	return true, nil
}

func (s *MemoryStore) Unfreeze(_ context.Context, aggregateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.freezes[aggregateID]; !ok {
		return false, nil
	}
	delete(s.freezes, aggregateID)
	return true, nil
}

func (s *MemoryStore) IsFrozen(_ context.Context, aggregateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.freezes[aggregateID]
	return ok, nil
}

func (s *MemoryStore) ListFreezes(_ context.Context) ([]Freeze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Freeze, 0, len(s.freezes))
	for _, f := range s.freezes {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrozenAt.Before(out[j].FrozenAt) })
	return out, nil
}
