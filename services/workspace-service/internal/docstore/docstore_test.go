package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetMergeUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "items", "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Update(ctx, "items", "a", Doc{"x": 1}), ErrNotFound)

	require.NoError(t, s.Set(ctx, "items", "a", Doc{"x": 1, "y": "keep"}, false))
	require.NoError(t, s.Set(ctx, "items", "a", Doc{"x": 2}, true))
	snap, err := s.Get(ctx, "items", "a")
	require.NoError(t, err)
	require.Equal(t, Doc{"x": float64(2), "y": "keep"}, snap.Data)

	require.NoError(t, s.Set(ctx, "items", "a", Doc{"z": true}, false))
	snap, err = s.Get(ctx, "items", "a")
	require.NoError(t, err)
	require.Equal(t, Doc{"z": true}, snap.Data)

	require.NoError(t, s.Update(ctx, "items", "a", Doc{"w": "v"}))
	snap, err = s.Get(ctx, "items", "a")
	require.NoError(t, err)
	require.Equal(t, Doc{"z": true, "w": "v"}, snap.Data)

	var typed struct {
		Z bool   `json:"z"`
		W string `json:"w"`
	}
	require.NoError(t, snap.Decode(&typed))
	require.True(t, typed.Z)
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "c", "a", Doc{"x": "1"}, false))
	snap, err := s.Get(ctx, "c", "a")
	require.NoError(t, err)
	snap.Data["x"] = "mutated"
	again, err := s.Get(ctx, "c", "a")
	require.NoError(t, err)
	require.Equal(t, "1", again.Data["x"])
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "c", "a", Doc{"n": 1}, false))

	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Set(ctx, "c", "a", Doc{"n": 2}, false))
		require.NoError(t, s.Set(ctx, "c", "b", Doc{"n": 3}, false))
		snap, err := s.Get(ctx, "c", "a")
		require.NoError(t, err)
		require.Equal(t, float64(2), snap.Data["n"])
		require.NoError(t, s.Delete(ctx, "c", "a"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	snap, err := s.Get(ctx, "c", "a")
	require.NoError(t, err)
	require.Equal(t, float64(1), snap.Data["n"])
	_, err = s.Get(ctx, "c", "b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "members", "ws-1/a", Doc{"workspaceId": "ws-1", "roles": []string{"admin"}}, false))
	require.NoError(t, s.Set(ctx, "members", "ws-1/b", Doc{"workspaceId": "ws-1", "roles": []string{"member"}}, false))
	require.NoError(t, s.Set(ctx, "members", "ws-2/a", Doc{"workspaceId": "ws-2", "roles": []string{"admin"}}, false))

	got, err := s.Query(ctx, "members", Where("workspaceId", OpEq, "ws-1"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ws-1/a", got[0].ID)

	got, err = s.Query(ctx, "members", Where("workspaceId", OpEq, "ws-1"), Where("roles", OpContains, "admin"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ws-1/a", got[0].ID)

	_, err = s.Query(ctx, "members", Where("roles", Op(">"), 1))
	require.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestSubscribeSeesCommittedChangesOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Change
	unsubscribe := s.Subscribe("authority", func(_ context.Context, c Change) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c)
	})

	require.NoError(t, s.Set(ctx, "authority", "ws-1/a", Doc{"v": 1}, false))
	require.NoError(t, s.Set(ctx, "other", "x", Doc{"v": 1}, false))
	_ = s.RunTransaction(ctx, func(ctx context.Context) error {
		_ = s.Set(ctx, "authority", "ws-1/b", Doc{"v": 1}, false)
		return errors.New("abort")
	})
	require.NoError(t, s.Update(ctx, "authority", "ws-1/a", Doc{"v": 2}))

	unsubscribe()
	require.NoError(t, s.Set(ctx, "authority", "ws-1/c", Doc{"v": 1}, false))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Change{
		{Collection: "authority", ID: "ws-1/a", Op: "insert"},
		{Collection: "authority", ID: "ws-1/a", Op: "update"},
	}, seen)
}
