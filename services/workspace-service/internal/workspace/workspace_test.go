package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/inbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var owner = Actor{Subject: "u-owner", WorkspaceID: "ws-1", Roles: []string{RoleOwner}}

type fixture struct {
	svc     *Service
	records *outbox.MemoryStore
}

func newFixture() fixture {
	records := outbox.NewMemoryStore()
	ob := outbox.New(records, events.DefaultCatalog(), runtime.NopLogger())
	return fixture{
		svc:     NewService(db.InlineTx{}, NewMemoryStore(), ob, inbox.NewMemoryStore(), runtime.NopLogger()),
		records: records,
	}
}

func (f fixture) emitted(t *testing.T) []events.Envelope {
	t.Helper()
	recs, err := f.records.ListByStatus(context.Background(), outbox.StatusPending, 0)
	require.NoError(t, err)
	out := make([]events.Envelope, 0, len(recs))
	for _, r := range recs {
		env, err := r.Envelope()
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestGrantRoleEmitsSecurityEventAndAudit(t *testing.T) {
	f := newFixture()
	ctx := events.WithTraceID(context.Background(), "trace-grant")

	m, err := f.svc.GrantRole(ctx, owner, "ws-1", "m-1", RoleScheduler)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Version)
	require.Equal(t, []string{RoleScheduler}, m.Roles)

	again, err := f.svc.GrantRole(ctx, owner, "ws-1", "m-1", RoleScheduler)
	require.NoError(t, err)
	require.Equal(t, uint64(1), again.Version, "granting a held role is a no-op")

	emitted := f.emitted(t)
	require.Len(t, emitted, 2)
	require.Equal(t, events.TypeMemberRoleGranted, emitted[0].EventType)
	require.Equal(t, "ws-1/m-1", emitted[0].SourceID)
	require.Equal(t, uint64(1), emitted[0].Version)
	require.Equal(t, "trace-grant", emitted[0].TraceID)
	require.Equal(t, events.TypeAuditRecorded, emitted[1].EventType)

	recs, err := f.records.ListByStatus(ctx, outbox.StatusPending, 1)
	require.NoError(t, err)
	require.Equal(t, events.TierSecurityBlock, recs[0].DLQTier)

	var p events.MemberRoleGranted
	require.NoError(t, emitted[0].DecodePayload(&p))
	require.Equal(t, []string{RoleScheduler}, p.Roles)
	require.Equal(t, MemberActive, p.Status)
}

func TestAuthorizationUsesMemberAggregateWithoutBootstrapClaims(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	caller := Actor{Subject: "m-2"}
	in := ProposeInput{WorkspaceID: "ws-1", AssigneeID: "m-1", Title: "standup", StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour)}

	_, err := f.svc.ProposeSchedule(ctx, caller, in)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GrantRole(ctx, owner, "ws-1", "m-2", RoleViewer)
	require.NoError(t, err)
	_, err = f.svc.ProposeSchedule(ctx, caller, in)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GrantRole(ctx, owner, "ws-1", "m-2", RoleScheduler)
	require.NoError(t, err)
	item, err := f.svc.ProposeSchedule(ctx, caller, in)
	require.NoError(t, err)
	require.Equal(t, ScheduleProposed, item.Status)

	_, err = f.svc.Suspend(ctx, owner, "ws-1", "m-2", "left")
	require.NoError(t, err)
	_, err = f.svc.ProposeSchedule(ctx, caller, in)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GrantRole(ctx, Actor{Subject: "u-owner", WorkspaceID: "ws-other", Roles: []string{RoleOwner}}, "ws-1", "m-3", RoleMember)
	require.ErrorIs(t, err, ErrForbidden, "claims only bootstrap their own workspace")
}

func TestAdjustCreditNeverGoesNegative(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	w, err := f.svc.AdjustCredit(ctx, owner, "ws-1", decimal.RequireFromString("10.10"), "top-up")
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.RequireFromString("10.1")))

	_, err = f.svc.AdjustCredit(ctx, owner, "ws-1", decimal.RequireFromString("-10.11"), "spend")
	require.ErrorIs(t, err, ErrInsufficientCredit)

	w, err = f.svc.AdjustCredit(ctx, owner, "ws-1", decimal.RequireFromString("-10.10"), "spend")
	require.NoError(t, err)
	require.True(t, w.Balance.IsZero())
	require.Equal(t, uint64(2), w.Version)

	_, err = f.svc.AdjustCredit(ctx, owner, "ws-1", decimal.Zero, "nothing")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAttachTagIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.AttachTag(ctx, owner, "ws-1", "beta")
	require.NoError(t, err)
	w, err := f.svc.AttachTag(ctx, owner, "ws-1", "alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, w.Tags)
	w, err = f.svc.AttachTag(ctx, owner, "ws-1", "alpha")
	require.NoError(t, err)
	require.Equal(t, uint64(2), w.Version)
	require.Len(t, f.emitted(t), 4)
}

func TestAssignmentDecisionAppliesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item, err := f.svc.ProposeSchedule(ctx, owner, ProposeInput{
		ScheduleItemID: "s-1", WorkspaceID: "ws-1", AssigneeID: "m-1", Title: "review",
		StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), item.Version)

	approved, err := events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType: events.TypeScheduleAssignApproved, SourceID: "saga:s-1", Version: 3, TraceID: "trace-saga",
		Payload: events.ScheduleAssignApproved{SagaID: "saga:s-1", ScheduleItemID: "s-1", WorkspaceID: "ws-1", AssigneeID: "m-1"},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleAssignmentDecision(events.WithTraceID(ctx, approved.TraceID), approved))
	require.NoError(t, f.svc.HandleAssignmentDecision(ctx, approved))

	got, err := f.svc.ScheduleItem(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, ScheduleAssigned, got.Status)
	require.Equal(t, uint64(2), got.Version)

	emitted := f.emitted(t)
	last := emitted[len(emitted)-1]
	require.Equal(t, events.TypeScheduleStatusChanged, last.EventType)
	require.Equal(t, uint64(2), last.Version)
	require.Equal(t, "trace-saga", last.TraceID)

	rejected, err := events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType: events.TypeScheduleAssignRejected, SourceID: "saga:s-1", Version: 4,
		Payload: events.ScheduleAssignRejected{SagaID: "saga:s-1", ScheduleItemID: "s-1", Reason: "late"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleAssignmentDecision(ctx, rejected))
	got, err = f.svc.ScheduleItem(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, ScheduleAssigned, got.Status, "decided items are not reopened")
}

func TestMemoryStoreOptimisticVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v, err := s.Save(ctx, TypeWorkspace, "ws-1", 0, Workspace{ID: "ws-1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	_, err = s.Save(ctx, TypeWorkspace, "ws-1", 0, Workspace{ID: "ws-1"})
	require.ErrorIs(t, err, ErrConcurrentModification)
	_, err = s.Save(ctx, TypeWorkspace, "ws-1", 2, Workspace{ID: "ws-1"})
	require.ErrorIs(t, err, ErrConcurrentModification)

	var w Workspace
	_, err = s.Load(ctx, TypeWorkspace, "missing", &w)
	require.ErrorIs(t, err, ErrNotFound)
}
