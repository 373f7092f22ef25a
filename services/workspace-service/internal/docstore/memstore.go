package docstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. A transaction holds the store lock
// for its whole duration and rolls back from an undo log on error.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]Doc

	subMu  sync.Mutex
	nextID int
	subs   map[string]map[int]ChangeFunc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]map[string]Doc{}, subs: map[string]map[int]ChangeFunc{}}
}

type memTxKey struct{}

type memTx struct {
	undo    []func()
	changes []Change
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{}
	s.mu.Lock()
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, tx.changes)
	return nil
}

// run executes op under the store lock, joining the context transaction when
// there is one.
func (s *MemoryStore) run(ctx context.Context, op func(tx *memTx) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return op(tx)
	}
	tx := &memTx{}
	s.mu.Lock()
	err := op(tx)
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	s.mu.Unlock()
	if err == nil {
		s.publish(ctx, tx.changes)
	}
	return err
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	var snap Snapshot
	err := s.run(ctx, func(*memTx) error {
		doc, ok := s.docs[collection][id]
		if !ok {
			return ErrNotFound
		}
		copied, err := normalize(doc)
		if err != nil {
			return err
		}
		snap = Snapshot{ID: id, Data: copied}
		return nil
	})
	return snap, err
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc Doc, mergeFields bool) error {
	doc, err := normalize(doc)
	if err != nil {
		return err
	}
	return s.run(ctx, func(tx *memTx) error {
		prev, existed := s.docs[collection][id]
		next := doc
		if mergeFields && existed {
			next = merge(prev, doc)
		}
		s.write(tx, collection, id, next, prev, existed)
		return nil
	})
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, patch Doc) error {
	patch, err := normalize(patch)
	if err != nil {
		return err
	}
	return s.run(ctx, func(tx *memTx) error {
		prev, existed := s.docs[collection][id]
		if !existed {
			return ErrNotFound
		}
		s.write(tx, collection, id, merge(prev, patch), prev, true)
		return nil
	})
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	return s.run(ctx, func(tx *memTx) error {
		prev, existed := s.docs[collection][id]
		if !existed {
			return nil
		}
		delete(s.docs[collection], id)
		tx.undo = append(tx.undo, func() { s.docs[collection][id] = prev })
		tx.changes = append(tx.changes, Change{Collection: collection, ID: id, Op: "delete"})
		return nil
	})
}

func (s *MemoryStore) write(tx *memTx, collection, id string, next, prev Doc, existed bool) {
	if s.docs[collection] == nil {
		s.docs[collection] = map[string]Doc{}
	}
	s.docs[collection][id] = next
	tx.undo = append(tx.undo, func() {
		if existed {
			s.docs[collection][id] = prev
		} else {
			delete(s.docs[collection], id)
		}
	})
	op := "insert"
	if existed {
		op = "update"
	}
	tx.changes = append(tx.changes, Change{Collection: collection, ID: id, Op: op})
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error) {
	var out []Snapshot
	err := s.run(ctx, func(*memTx) error {
		for id, doc := range s.docs[collection] {
			ok, err := matches(doc, filters)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			copied, err := normalize(doc)
			if err != nil {
				return err
			}
			out = append(out, Snapshot{ID: id, Data: copied})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) Subscribe(collection string, fn ChangeFunc) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	if s.subs[collection] == nil {
		s.subs[collection] = map[int]ChangeFunc{}
	}
	s.subs[collection][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[collection], id)
		})
	}
}

func (s *MemoryStore) publish(ctx context.Context, changes []Change) {
	for _, c := range changes {
		s.subMu.Lock()
		fns := make([]ChangeFunc, 0, len(s.subs[c.Collection]))
		for _, fn := range s.subs[c.Collection] {
			fns = append(fns, fn)
		}
		s.subMu.Unlock()
		for _, fn := range fns {
			fn(ctx, c)
		}
	}
}
