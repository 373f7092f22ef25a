package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	records *outbox.MemoryStore
	ob      *outbox.Outbox
	alerts  *alert.Recorder
}

func newFixture() fixture {
	catalog := events.DefaultCatalog()
	records := outbox.NewMemoryStore()
	ob := outbox.New(records, catalog, runtime.NopLogger())
	store := NewMemoryStore()
	alerts := &alert.Recorder{}
	return fixture{
		svc:     NewService(db.InlineTx{}, store, ob, catalog, alerts, runtime.NopLogger()),
		store:   store,
		records: records,
		ob:      ob,
		alerts:  alerts,
	}
}

func (f fixture) enqueue(t *testing.T, eventType, source string) outbox.Record {
	t.Helper()
	env, err := events.NewEnvelope(context.Background(), events.EnvelopeParams{
		EventType: eventType, SourceID: source, Version: 1, TraceID: "trace-1", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	id, err := f.ob.EnqueueDeclared(context.Background(), env)
	require.NoError(t, err)
	rec, err := f.records.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestParkSecurityBlockFreezesAndAlertsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, events.TypeMemberRoleGranted, "ws-1/m-1")

	entry, parked, err := f.svc.ParkRecord(ctx, rec, 1, "subscriber rejected")
	require.NoError(t, err)
	require.True(t, parked)
	require.Equal(t, events.TierSecurityBlock, entry.Tier)

	_, parked, err = f.svc.ParkRecord(ctx, rec, 1, "subscriber rejected")
	require.NoError(t, err)
	require.False(t, parked, "the losing caller must not park twice")

	frozen, err := f.svc.IsFrozen(ctx, "ws-1/m-1")
	require.NoError(t, err)
	require.True(t, frozen)

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "trace-1", alerts[0].TraceID)

	got, err := f.records.Get(ctx, rec.OutboxID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDLQ, got.Status)
}

func TestReplayKeepsIdempotencyKeyAndRequiresUnfreeze(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := f.enqueue(t, events.TypeMemberSuspended, "ws-1/m-2")
	entry, _, err := f.svc.ParkRecord(ctx, rec, 1, "boom")
	require.NoError(t, err)

	_, err = f.svc.Replay(ctx, entry.ID, "op-1")
	require.ErrorIs(t, err, ErrAggregateFrozen)

	require.NoError(t, f.svc.Unfreeze(ctx, "ws-1/m-2", "op-1"))
	require.ErrorIs(t, f.svc.Unfreeze(ctx, "ws-1/m-2", "op-1"), ErrNotFrozen)

	newID, err := f.svc.Replay(ctx, entry.ID, "op-1")
	require.NoError(t, err)
	require.NotEqual(t, rec.OutboxID, newID)

	replayed, err := f.records.Get(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, rec.IdempotencyKey, replayed.IdempotencyKey)
	require.Equal(t, outbox.StatusPending, replayed.Status)

	_, err = f.svc.Replay(ctx, entry.ID, "op-1")
	require.ErrorIs(t, err, ErrAlreadyReplayed)

	open, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, open)
	all, err := f.svc.List(ctx, ListFilter{IncludeReplayed: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "op-1", all[0].ReplayedBy)
}

func TestReviewRequiredStandardLaneDoesNotAlert(t *testing.T) {
	f := newFixture()
	rec := f.enqueue(t, events.TypeScheduleProposed, "sched-1")
	_, parked, err := f.svc.ParkRecord(context.Background(), rec, 5, "exhausted")
	require.NoError(t, err)
	require.True(t, parked)
	require.Empty(t, f.alerts.Alerts())

	frozen, _ := f.svc.IsFrozen(context.Background(), "sched-1")
	require.False(t, frozen)
}

func TestCriticalLaneReviewRequiredAlerts(t *testing.T) {
	f := newFixture()
	rec := f.enqueue(t, events.TypeCreditAdjusted, "ws-9")
	_, parked, err := f.svc.ParkRecord(context.Background(), rec, 5, "exhausted")
	require.NoError(t, err)
	require.True(t, parked)
	require.Len(t, f.alerts.Alerts(), 1)
}

func TestParkDeliveryDeduplicatesOpenEntries(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	env, err := events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType: events.TypeTagAttached, SourceID: "ws-1", Version: 2, Payload: json.RawMessage(`{}`),
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	_, parked, err := f.svc.ParkDelivery(ctx, env, 3, "projection down")
	require.NoError(t, err)
	require.True(t, parked)
	_, parked, err = f.svc.ParkDelivery(ctx, env, 3, "projection down")
	require.NoError(t, err)
	require.False(t, parked)
}
