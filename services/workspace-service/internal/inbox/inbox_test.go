package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRecordsOncePerConsumer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Record(ctx, "eligibility", "e1:s1:1", "x")
	require.NoError(t, err)
	require.True(t, first)

	again, err := s.Record(ctx, "eligibility", "e1:s1:1", "x")
	require.NoError(t, err)
	require.False(t, again)

	other, err := s.Record(ctx, "schedule", "e1:s1:1", "x")
	require.NoError(t, err)
	require.True(t, other)

	s.Forget("eligibility", "e1:s1:1")
	retry, err := s.Record(ctx, "eligibility", "e1:s1:1", "x")
	require.NoError(t, err)
	require.True(t, retry)
}

func TestOnceSkipsDuplicatesAndRetriesFailures(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env, err := events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType: events.TypeEligibilityCheckRequested, SourceID: "saga:s-1", Version: 2, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	calls := 0
	boom := errors.New("boom")
	ran, err := Once(ctx, db.InlineTx{}, s, "eligibility", env, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, ran)

	for i := 0; i < 2; i++ {
		ran, err = Once(ctx, db.InlineTx{}, s, "eligibility", env, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, i == 0, ran)
	}
	require.Equal(t, 2, calls)
}
