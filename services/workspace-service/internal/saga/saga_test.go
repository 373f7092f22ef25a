package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// flakyOutbox fails inserts of one event type.
type flakyOutbox struct {
	*outbox.MemoryStore
	failType string
}

func (f *flakyOutbox) Insert(ctx context.Context, r outbox.Record) error {
	if r.EventType == f.failType {
		return errors.New("outbox unavailable")
	}
	return f.MemoryStore.Insert(ctx, r)
}

type harness struct {
	coord   *Coordinator
	store   *MemoryStore
	records *flakyOutbox
	alerts  *alert.Recorder
}

func newHarness() *harness {
	records := &flakyOutbox{MemoryStore: outbox.NewMemoryStore()}
	ob := outbox.New(records, events.DefaultCatalog(), runtime.NopLogger())
	store := NewMemoryStore()
	alerts := &alert.Recorder{}
	return &harness{
		coord:   NewCoordinator(db.InlineTx{}, store, ob, NewLocalLocker(), alerts, runtime.NopLogger()),
		store:   store,
		records: records,
		alerts:  alerts,
	}
}

func (h *harness) emitted(t *testing.T, eventType string) []events.Envelope {
	t.Helper()
	recs, err := h.records.ListByStatus(context.Background(), outbox.StatusPending, 0)
	require.NoError(t, err)
	var out []events.Envelope
	for _, r := range recs {
		if r.EventType != eventType {
			continue
		}
		env, err := r.Envelope()
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func proposed(t *testing.T) events.Envelope {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env, err := events.NewEnvelope(context.Background(), events.EnvelopeParams{
		EventType: events.TypeScheduleProposed, SourceID: "s-1", Version: 1, TraceID: "trace-s1",
		Payload: events.ScheduleProposed{
			ScheduleItemID: "s-1", WorkspaceID: "ws-1", AssigneeID: "m-1", Title: "shift",
			StartsAt: start, EndsAt: start.Add(time.Hour),
		},
	})
	require.NoError(t, err)
	return env
}

func checked(t *testing.T, eligible bool, reason string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(context.Background(), events.EnvelopeParams{
		EventType: events.TypeEligibilityChecked, SourceID: "eligibility:s-1", Version: 1,
		Payload: events.EligibilityChecked{
			SagaID: "saga:s-1", StepKey: "saga:s-1:check_eligibility", ScheduleItemID: "s-1",
			WorkspaceID: "ws-1", AssigneeID: "m-1", Eligible: eligible, Reason: reason,
		},
	})
	require.NoError(t, err)
	return env
}

func TestProposedStartsSagaOnce(t *testing.T) {
	h := newHarness()
	ctx := events.WithTraceID(context.Background(), "trace-s1")
	env := proposed(t)

	require.NoError(t, h.coord.HandleProposed(ctx, env))
	require.NoError(t, h.coord.HandleProposed(ctx, env))

	st, err := h.coord.Get(ctx, "saga:s-1")
	require.NoError(t, err)
	require.Equal(t, StatusStepPending, st.Status)
	require.Equal(t, uint64(2), st.Version)
	require.Equal(t, StepCheckEligibility, st.CurrentStep)

	reqs := h.emitted(t, events.TypeEligibilityCheckRequested)
	require.Len(t, reqs, 1)
	require.Equal(t, "saga:s-1", reqs[0].SourceID)
	require.Equal(t, uint64(2), reqs[0].Version)
	require.Equal(t, "trace-s1", reqs[0].TraceID)

	var p events.EligibilityCheckRequested
	require.NoError(t, reqs[0].DecodePayload(&p))
	require.Equal(t, "saga:s-1:check_eligibility", p.StepKey)
	require.Equal(t, time.Hour, p.EndsAt.Sub(p.StartsAt))
}

func TestEligibleResultCompletesSaga(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.coord.HandleProposed(ctx, proposed(t)))

	res := checked(t, true, "")
	require.NoError(t, h.coord.HandleChecked(ctx, res))
	require.NoError(t, h.coord.HandleChecked(ctx, res))

	st, err := h.coord.Get(ctx, "saga:s-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)
	require.True(t, st.StepDone(StepAssign, "approved"))

	approved := h.emitted(t, events.TypeScheduleAssignApproved)
	require.Len(t, approved, 1)
	require.Equal(t, uint64(3), approved[0].Version)
	require.Empty(t, h.emitted(t, events.TypeScheduleAssignRejected))
}

func TestIneligibleResultCompensates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.coord.HandleProposed(ctx, proposed(t)))
	require.NoError(t, h.coord.HandleChecked(ctx, checked(t, false, "member suspended")))

	st, err := h.coord.Get(ctx, "saga:s-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, st.Status)
	require.Equal(t, uint64(4), st.Version)

	rejected := h.emitted(t, events.TypeScheduleAssignRejected)
	require.Len(t, rejected, 1)
	var p events.ScheduleAssignRejected
	require.NoError(t, rejected[0].DecodePayload(&p))
	require.Equal(t, "member suspended", p.Reason)
	require.Empty(t, h.alerts.Alerts())

	// A late eligible result for the finished step changes nothing.
	require.NoError(t, h.coord.HandleChecked(ctx, checked(t, true, "")))
	require.Empty(t, h.emitted(t, events.TypeScheduleAssignApproved))
}

func TestCompensationFailureFailsSagaAndAlerts(t *testing.T) {
	h := newHarness()
	h.records.failType = events.TypeScheduleAssignRejected
	ctx := events.WithTraceID(context.Background(), "trace-fail")
	require.NoError(t, h.coord.HandleProposed(ctx, proposed(t)))
	require.NoError(t, h.coord.HandleChecked(ctx, checked(t, false, "no role")))

	st, err := h.coord.Get(ctx, "saga:s-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, st.Status)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "saga:s-1", alerts[0].AggregateID)
	require.Equal(t, "trace-fail", alerts[0].TraceID)
}

func TestCancelGoesThroughCompensation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.coord.HandleProposed(ctx, proposed(t)))

	require.NoError(t, h.coord.Cancel(ctx, "saga:s-1", "withdrawn"))
	st, err := h.coord.Get(ctx, "saga:s-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, st.Status)
	require.Len(t, h.emitted(t, events.TypeScheduleAssignRejected), 1)

	require.ErrorIs(t, h.coord.Cancel(ctx, "saga:s-1", "again"), ErrTerminal)
	require.ErrorIs(t, h.coord.Cancel(ctx, "saga:nope", "x"), ErrNotFound)
}

func TestResumeReissuesStartedAndCompensatingSagas(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.store.Create(ctx, State{
		SagaID: "saga:a", ScheduleItemID: "a", WorkspaceID: "ws-1", AssigneeID: "m-1",
		StartsAt: now, EndsAt: now.Add(time.Hour), Status: StatusStarted, Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, h.store.Create(ctx, State{
		SagaID: "saga:b", ScheduleItemID: "b", WorkspaceID: "ws-1", AssigneeID: "m-2",
		Status: StatusCompensating, Version: 3, CreatedAt: now, UpdatedAt: now.Add(time.Second),
	}))
	require.NoError(t, h.store.Create(ctx, State{
		SagaID: "saga:c", Status: StatusStepPending, CurrentStep: StepCheckEligibility, Version: 2, CreatedAt: now, UpdatedAt: now.Add(2 * time.Second),
	}))

	n, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	a, err := h.coord.Get(ctx, "saga:a")
	require.NoError(t, err)
	require.Equal(t, StatusStepPending, a.Status)
	b, err := h.coord.Get(ctx, "saga:b")
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, b.Status)
	require.Len(t, h.emitted(t, events.TypeEligibilityCheckRequested), 1)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusStarted.CanTransitionTo(StatusStepPending))
	require.True(t, StatusStepPending.CanTransitionTo(StatusCompensating))
	require.False(t, StatusCompleted.CanTransitionTo(StatusCompensating))
	require.False(t, StatusCompensating.CanTransitionTo(StatusCompleted))
	require.False(t, StatusStarted.CanTransitionTo(StatusCompleted))

	st := State{Status: StatusCompleted}
	require.ErrorIs(t, st.transition(StatusCompensating, Step{}), ErrInvalidTransition)
}

func TestMemoryStoreVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, State{SagaID: "saga:x", Status: StatusStarted, Version: 1}))
	require.ErrorIs(t, s.Create(ctx, State{SagaID: "saga:x"}), ErrAlreadyExists)

	st, err := s.Get(ctx, "saga:x")
	require.NoError(t, err)
	stale := st
	require.NoError(t, s.Update(ctx, &st))
	require.Equal(t, uint64(2), st.Version)
	require.ErrorIs(t, s.Update(ctx, &stale), ErrVersionConflict)
}

func TestLocalLockerSerialises(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "saga:x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "saga:x")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = l.Lock(context.Background(), "saga:y")
	require.NoError(t, err)

	require.NoError(t, unlock(context.Background()))
	again, err := l.Lock(context.Background(), "saga:x")
	require.NoError(t, err)
	require.NoError(t, again(context.Background()))
}

func TestRedisLockerExcludesConcurrentHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, 5*time.Second)
	unlock, err := l.Lock(context.Background(), "saga:x")
	require.NoError(t, err)
	require.True(t, mr.Exists("lock:saga:x"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "saga:x")
	require.Error(t, err)

	require.NoError(t, unlock(context.Background()))
	require.False(t, mr.Exists("lock:saga:x"))
}

func TestRedisLockerExtendsWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, 300*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "saga:slow")
	require.NoError(t, err)

	mr.FastForward(250 * time.Millisecond)
	require.LessOrEqual(t, mr.TTL("lock:saga:slow"), 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("lock:saga:slow") > 200*time.Millisecond
	}, time.Second, 10*time.Millisecond, "a held lock is pushed out before it expires")

	require.NoError(t, unlock(context.Background()))
	require.False(t, mr.Exists("lock:saga:slow"))
	require.NoError(t, unlock(context.Background()))
}
