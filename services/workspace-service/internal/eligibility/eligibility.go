// Package eligibility is the context that decides whether an assignee may take
// a proposed schedule item. It answers check requests with a result event and
// never calls the saga back directly.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/consistency"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/inbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Consumer is the inbox name of this context.
const Consumer = "eligibility"

// EligibleRoles are the roles that may be assigned schedule work.
var EligibleRoles = []string{workspace.RoleOwner, workspace.RoleAdmin, workspace.RoleScheduler, workspace.RoleMember}

// MemberReader is the strongly consistent member source.
type MemberReader interface {
	Member(ctx context.Context, workspaceID, memberID string) (workspace.Member, error)
}

type FreezeChecker interface {
	IsFrozen(ctx context.Context, aggregateID string) (bool, error)
}

// Candidate is what the predicate sees.
type Candidate struct {
	Member   workspace.Member
	Found    bool
	Frozen   bool
	StartsAt time.Time
	EndsAt   time.Time
}

// Evaluate returns whether the candidate is eligible and, if not, why.
func Evaluate(c Candidate) (bool, string) {
	switch {
	case !c.Found:
		return false, "assignee is not a member of the workspace"
	case !c.Member.Active():
		return false, "assignee is " + c.Member.Status
	case !c.Member.HasAnyRole(EligibleRoles...):
		return false, "assignee holds no assignable role"
	case c.Frozen:
		return false, "assignee is frozen pending security review"
	case !c.EndsAt.After(c.StartsAt):
		return false, "schedule window is empty"
	}
	return true, ""
}

// ResultSource is the source id of the result event for a schedule item.
func ResultSource(scheduleItemID string) string { return "eligibility:" + scheduleItemID }

type Checker struct {
	tx      db.TxRunner
	inbox   inbox.Store
	outbox  *outbox.Outbox
	members MemberReader
	freezes FreezeChecker
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

func NewChecker(tx db.TxRunner, in inbox.Store, ob *outbox.Outbox, members MemberReader, freezes FreezeChecker, logger *slog.Logger) *Checker {
	return &Checker{
		tx:      tx,
		inbox:   in,
		outbox:  ob,
		members: members,
		freezes: freezes,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer("eligibility"),
	}
}

// Handle answers one check request. A redelivered request is answered once.
func (c *Checker) Handle(ctx context.Context, env events.Envelope) error {
	var req events.EligibilityCheckRequested
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	path := consistency.Resolve(consistency.Context{IsSecurity: true})
	ctx, span := c.tracer.Start(ctx, "eligibility.check", trace.WithAttributes(
		attribute.String("saga.id", req.SagaID),
		attribute.String("read.path", string(path)),
	))
	defer span.End()

	ran, err := inbox.Once(ctx, c.tx, c.inbox, Consumer, env, func(ctx context.Context) error {
		cand := Candidate{StartsAt: req.StartsAt, EndsAt: req.EndsAt}
		m, err := c.members.Member(ctx, req.WorkspaceID, req.AssigneeID)
		switch {
		case err == nil:
			cand.Member, cand.Found = m, true
		case errors.Is(err, workspace.ErrNotFound):
		default:
			return fmt.Errorf("read member %s: %w", workspace.MemberKey(req.WorkspaceID, req.AssigneeID), err)
		}
		if c.freezes != nil {
			frozen, err := c.freezes.IsFrozen(ctx, workspace.MemberKey(req.WorkspaceID, req.AssigneeID))
			if err != nil {
				return err
			}
			cand.Frozen = frozen
		}

		eligible, reason := Evaluate(cand)
		span.SetAttributes(attribute.Bool("eligibility.eligible", eligible))
		res, err := events.NewEnvelope(ctx, events.EnvelopeParams{
			EventType:  events.TypeEligibilityChecked,
			SourceID:   ResultSource(req.ScheduleItemID),
			Version:    1,
			OccurredAt: c.now().UTC(),
			Payload: events.EligibilityChecked{
				SagaID:         req.SagaID,
				StepKey:        req.StepKey,
				ScheduleItemID: req.ScheduleItemID,
				WorkspaceID:    req.WorkspaceID,
				AssigneeID:     req.AssigneeID,
				Eligible:       eligible,
				Reason:         reason,
			},
		})
		if err != nil {
			return err
		}
		if _, err := c.outbox.EnqueueDeclared(ctx, res); err != nil {
			return err
		}
		c.logger.InfoContext(ctx, "eligibility decided",
			"saga_id", req.SagaID, "assignee_id", req.AssigneeID, "eligible", eligible, "reason", reason, "trace_id", env.TraceID)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ran {
		c.logger.InfoContext(ctx, "duplicate check request ignored", "saga_id", req.SagaID, "idempotency_key", env.IdempotencyKey)
	}
	return nil
}
