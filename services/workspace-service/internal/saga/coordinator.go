package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator drives assignment sagas. It never calls another context
// directly: every step is an event written through the outbox in the same
// transaction as the saga state.
type Coordinator struct {
	tx      db.TxRunner
	store   Store
	outbox  *outbox.Outbox
	locker  Locker
	alerter alert.Alerter
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

func NewCoordinator(tx db.TxRunner, store Store, ob *outbox.Outbox, locker Locker, alerter alert.Alerter, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		tx:      tx,
		store:   store,
		outbox:  ob,
		locker:  locker,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer("saga"),
	}
}

func (c *Coordinator) Get(ctx context.Context, sagaID string) (State, error) {
	return c.store.Get(ctx, sagaID)
}

func (c *Coordinator) withLock(ctx context.Context, sagaID string, fn func(ctx context.Context) error) error {
	unlock, err := c.locker.Lock(ctx, sagaID)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.WarnContext(ctx, "saga unlock failed", "saga_id", sagaID, "err", err)
		}
	}()
	return fn(ctx)
}

// HandleProposed starts the saga for a proposed schedule item. Redelivery of
// the trigger never creates a second saga; a saga still in started gets its
// first step issued again.
func (c *Coordinator) HandleProposed(ctx context.Context, env events.Envelope) error {
	var p events.ScheduleProposed
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	sagaID := ID(p.ScheduleItemID)
	ctx, span := c.tracer.Start(ctx, "saga.proposed", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	return c.withLock(ctx, sagaID, func(ctx context.Context) error {
		now := c.now().UTC()
		st := State{
			SagaID:         sagaID,
			ScheduleItemID: p.ScheduleItemID,
			WorkspaceID:    p.WorkspaceID,
			AssigneeID:     p.AssigneeID,
			StartsAt:       p.StartsAt,
			EndsAt:         p.EndsAt,
			Status:         StatusStarted,
			Steps:          []Step{{Name: "start", Outcome: "started", OccurredAt: now, IdempotencyKey: env.IdempotencyKey}},
			CurrentStep:    "start",
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := c.store.Create(ctx, st)
		switch {
		case errors.Is(err, ErrAlreadyExists):
			existing, err := c.store.Get(ctx, sagaID)
			if err != nil {
				return err
			}
			if existing.Status != StatusStarted {
				c.logger.InfoContext(ctx, "saga trigger replay ignored", "saga_id", sagaID, "status", existing.Status)
				return nil
			}
			st = existing
		case err != nil:
			return err
		default:
			metrics.Inc(ctx, metrics.SagaStarted)
			c.logger.InfoContext(ctx, "saga started", "saga_id", sagaID, "trace_id", env.TraceID)
		}
		return c.requestCheck(ctx, st)
	})
}

func (c *Coordinator) requestCheck(ctx context.Context, st State) error {
	key := StepKey(st.SagaID, StepCheckEligibility)
	return c.tx.WithinTx(ctx, func(ctx context.Context) error {
		req, err := c.envelope(ctx, events.TypeEligibilityCheckRequested, st, events.EligibilityCheckRequested{
			SagaID:         st.SagaID,
			StepKey:        key,
			ScheduleItemID: st.ScheduleItemID,
			WorkspaceID:    st.WorkspaceID,
			AssigneeID:     st.AssigneeID,
			StartsAt:       st.StartsAt,
			EndsAt:         st.EndsAt,
		})
		if err != nil {
			return err
		}
		if _, err := c.outbox.EnqueueDeclared(ctx, req); err != nil {
			return err
		}
		if err := st.transition(StatusStepPending, Step{Name: StepCheckEligibility, Outcome: "requested", OccurredAt: c.now().UTC(), IdempotencyKey: key}); err != nil {
			return err
		}
		return c.store.Update(ctx, &st)
	})
}

// envelope builds an event sourced from the saga. Its version is the saga
// version the enclosing update will write.
func (c *Coordinator) envelope(ctx context.Context, eventType string, st State, payload any) (events.Envelope, error) {
	return events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType:  eventType,
		SourceID:   st.SagaID,
		Version:    st.Version + 1,
		OccurredAt: c.now().UTC(),
		Payload:    payload,
	})
}

// HandleChecked consumes the eligibility result. Results for a step that is no
// longer pending are ignored.
func (c *Coordinator) HandleChecked(ctx context.Context, env events.Envelope) error {
	var p events.EligibilityChecked
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "saga.checked", trace.WithAttributes(
		attribute.String("saga.id", p.SagaID),
		attribute.Bool("eligibility.eligible", p.Eligible),
	))
	defer span.End()

	return c.withLock(ctx, p.SagaID, func(ctx context.Context) error {
		st, err := c.store.Get(ctx, p.SagaID)
		if err != nil {
			return fmt.Errorf("saga %s: %w", p.SagaID, err)
		}
		if st.Status != StatusStepPending || st.CurrentStep != StepCheckEligibility || p.StepKey != StepKey(st.SagaID, StepCheckEligibility) {
			c.logger.InfoContext(ctx, "saga step result ignored",
				"saga_id", st.SagaID, "status", st.Status, "step_key", p.StepKey)
			return nil
		}
		if p.Eligible {
			return c.approve(ctx, st)
		}
		reason := p.Reason
		if reason == "" {
			reason = "assignee not eligible"
		}
		if err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := st.transition(StatusCompensating, Step{Name: StepCheckEligibility, Outcome: "ineligible: " + reason, OccurredAt: c.now().UTC(), IdempotencyKey: p.StepKey}); err != nil {
				return err
			}
			return c.store.Update(ctx, &st)
		}); err != nil {
			return err
		}
		return c.compensate(ctx, st, reason)
	})
}

func (c *Coordinator) approve(ctx context.Context, st State) error {
	key := StepKey(st.SagaID, StepAssign)
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		ev, err := c.envelope(ctx, events.TypeScheduleAssignApproved, st, events.ScheduleAssignApproved{
			SagaID:         st.SagaID,
			ScheduleItemID: st.ScheduleItemID,
			WorkspaceID:    st.WorkspaceID,
			AssigneeID:     st.AssigneeID,
		})
		if err != nil {
			return err
		}
		if _, err := c.outbox.EnqueueDeclared(ctx, ev); err != nil {
			return err
		}
		if err := st.transition(StatusCompleted, Step{Name: StepAssign, Outcome: "approved", OccurredAt: c.now().UTC(), IdempotencyKey: key}); err != nil {
			return err
		}
		return c.store.Update(ctx, &st)
	})
	if err != nil {
		return err
	}
	metrics.Inc(ctx, metrics.SagaCompleted)
	c.logger.InfoContext(ctx, "saga completed", "saga_id", st.SagaID)
	return nil
}

// compensate emits the rejection for a compensating saga. If the rejection
// cannot be persisted the saga fails and an operator is alerted.
func (c *Coordinator) compensate(ctx context.Context, st State, reason string) error {
	key := StepKey(st.SagaID, StepCompensate)
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		next := st.clone()
		ev, err := c.envelope(ctx, events.TypeScheduleAssignRejected, next, events.ScheduleAssignRejected{
			SagaID:         next.SagaID,
			ScheduleItemID: next.ScheduleItemID,
			WorkspaceID:    next.WorkspaceID,
			AssigneeID:     next.AssigneeID,
			Reason:         reason,
		})
		if err != nil {
			return err
		}
		if _, err := c.outbox.EnqueueDeclared(ctx, ev); err != nil {
			return err
		}
		if err := next.transition(StatusCompensated, Step{Name: StepCompensate, Outcome: "rejected", OccurredAt: c.now().UTC(), IdempotencyKey: key}); err != nil {
			return err
		}
		if err := c.store.Update(ctx, &next); err != nil {
			return err
		}
		st = next
		return nil
	})
	if err == nil {
		metrics.Inc(ctx, metrics.SagaCompensated)
		c.logger.InfoContext(ctx, "saga compensated", "saga_id", st.SagaID, "reason", reason)
		return nil
	}

	c.logger.ErrorContext(ctx, "saga compensation failed", "saga_id", st.SagaID, "err", err)
	cause := err
	failErr := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := st.transition(StatusFailed, Step{Name: StepCompensate, Outcome: "failed: " + cause.Error(), OccurredAt: c.now().UTC(), IdempotencyKey: key}); err != nil {
			return err
		}
		return c.store.Update(ctx, &st)
	})
	if failErr != nil {
		return errors.Join(cause, failErr)
	}
	metrics.Inc(ctx, metrics.SagaFailed)
	if c.alerter != nil {
		_ = c.alerter.Alert(ctx, alert.Alert{
			Severity:    alert.SeverityCritical,
			Title:       "assignment saga failed during compensation",
			EventType:   events.TypeScheduleAssignRejected,
			AggregateID: st.SagaID,
			TraceID:     events.TraceIDFromContext(ctx),
			Reason:      cause.Error(),
		})
	}
	return nil
}

// Cancel abandons a running saga through compensation.
func (c *Coordinator) Cancel(ctx context.Context, sagaID, reason string) error {
	return c.withLock(ctx, sagaID, func(ctx context.Context) error {
		st, err := c.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, sagaID, st.Status)
		}
		if st.Status != StatusCompensating {
			if err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
				if err := st.transition(StatusCompensating, Step{Name: "cancel", Outcome: reason, OccurredAt: c.now().UTC()}); err != nil {
					return err
				}
				return c.store.Update(ctx, &st)
			}); err != nil {
				return err
			}
		}
		return c.compensate(ctx, st, "cancelled: "+reason)
	})
}

// Resume re-issues the pending work of non-terminal sagas, typically at
// startup. Sagas waiting on a step result are left alone; their request is
// already in the outbox.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs []error
	for _, st := range active {
		switch st.Status {
		case StatusStarted:
			err = c.withLock(ctx, st.SagaID, func(ctx context.Context) error {
				cur, err := c.store.Get(ctx, st.SagaID)
				if err != nil || cur.Status != StatusStarted {
					return err
				}
				return c.requestCheck(ctx, cur)
			})
		case StatusCompensating:
			err = c.withLock(ctx, st.SagaID, func(ctx context.Context) error {
				cur, err := c.store.Get(ctx, st.SagaID)
				if err != nil || cur.Status != StatusCompensating {
					return err
				}
				return c.compensate(ctx, cur, "resumed compensation")
			})
		default:
			c.logger.InfoContext(ctx, "saga awaiting step result", "saga_id", st.SagaID, "step", st.CurrentStep)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", st.SagaID, err))
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}
