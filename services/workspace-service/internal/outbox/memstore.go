package outbox

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	records map[string]*memRecord

	// FailMarkRelayed, when set, is returned by MarkRelayed without changing state.
	FailMarkRelayed error
}

type memRecord struct {
	Record
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*memRecord{}}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r.Payload = append([]byte(nil), r.Payload...)
	s.records[r.OutboxID] = &memRecord{Record: r, seq: s.seq}
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*memRecord
	for _, r := range s.records {
		if r.Status == StatusPending && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Record, 0, len(due))
	for _, r := range due {
		r.NextAttemptAt = now.Add(lease)
		out = append(out, r.Record)
	}
	return out, nil
}

func (s *MemoryStore) MarkRelayed(_ context.Context, outboxID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMarkRelayed != nil {
		return false, s.FailMarkRelayed
	}
	r, ok := s.records[outboxID]
	if !ok || !r.Status.CanTransitionTo(StatusRelayed) {
		return false, nil
	}
	r.Status = StatusRelayed
	r.RelayedAt = &at
	r.LastError = ""
	return true, nil
}

func (s *MemoryStore) ScheduleRetry(_ context.Context, outboxID string, attempts int, next time.Time, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[outboxID]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	r.Attempts = attempts
	r.NextAttemptAt = next
	r.LastError = lastErr
	return true, nil
}

func (s *MemoryStore) MarkDLQ(_ context.Context, outboxID string, attempts int, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[outboxID]
	if !ok || !r.Status.CanTransitionTo(StatusDLQ) {
		return false, nil
	}
	r.Status = StatusDLQ
	r.Attempts = attempts
	r.LastError = lastErr
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, outboxID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[outboxID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Record, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*memRecord
	for _, r := range s.records {
		if r.Status == status {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Record, len(matched))
	for i, r := range matched {
		out[i] = r.Record
	}
	return out, nil
}

func (s *MemoryStore) OldestUnapplied(_ context.Context, aggregateID string, eventTypes []string, afterVersion uint64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		oldest time.Time
		found  bool
	)
	for _, r := range s.records {
		if r.AggregateID != aggregateID || !slices.Contains(eventTypes, r.EventType) {
			continue
		}
		env, err := r.Envelope()
		if err != nil {
			return time.Time{}, false, err
		}
		if env.Version <= afterVersion {
			continue
		}
		if !found || r.CreatedAt.Before(oldest) {
			oldest, found = r.CreatedAt, true
		}
	}
	return oldest, found, nil
}
