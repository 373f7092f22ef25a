//go:build integration

package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/testpg"
	"github.com/stretchr/testify/require"
)

func TestPgStoreRoundTripAndChangeFeed(t *testing.T) {
	pool := testpg.Start(t)
	s := NewPgStore(pool, runtime.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 4)
	s.Subscribe("member_authority", func(_ context.Context, c Change) { changes <- c })
	go func() { _ = s.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		if err := s.Set(ctx, "member_authority", "ws-1/m-1", Doc{"roles": []string{"admin"}, "workspaceId": "ws-1"}, false); err != nil {
			return err
		}
		return s.Update(ctx, "member_authority", "ws-1/m-1", Doc{"status": "active"})
	})
	require.NoError(t, err)

	snap, err := s.Get(ctx, "member_authority", "ws-1/m-1")
	require.NoError(t, err)
	require.Equal(t, "active", snap.Data["status"])

	got, err := s.Query(ctx, "member_authority", Where("roles", OpContains, "admin"), Where("workspaceId", OpEq, "ws-1"))
	require.NoError(t, err)
	require.Len(t, got, 1)

	select {
	case c := <-changes:
		require.Equal(t, "ws-1/m-1", c.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
