package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/inbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/shopspring/decimal"
)

// Actor is the authenticated caller. Roles granted by the credential for
// WorkspaceID count as bootstrap grants; otherwise the caller's member
// aggregate decides.
type Actor struct {
	Subject     string
	WorkspaceID string
	Roles       []string
}

type Service struct {
	tx     db.TxRunner
	store  Store
	outbox *outbox.Outbox
	inbox  inbox.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(tx db.TxRunner, store Store, ob *outbox.Outbox, in inbox.Store, logger *slog.Logger) *Service {
	return &Service{tx: tx, store: store, outbox: ob, inbox: in, logger: logger, now: time.Now}
}

var (
	memberAdminRoles = []string{RoleOwner, RoleAdmin}
	creditRoles      = []string{RoleOwner, RoleAdmin}
	proposeRoles     = []string{RoleOwner, RoleAdmin, RoleScheduler}
	tagRoles         = []string{RoleOwner, RoleAdmin, RoleScheduler, RoleMember}
	readRoles        = []string{RoleOwner, RoleAdmin, RoleScheduler, RoleMember, RoleViewer}
)

// AuthorizeRead reports whether actor may read workspaceID's data: any role
// claimed for it or held by an active member.
func (s *Service) AuthorizeRead(ctx context.Context, actor Actor, workspaceID string) error {
	return s.authorize(ctx, actor, workspaceID, readRoles)
}

func (s *Service) authorize(ctx context.Context, actor Actor, workspaceID string, allowed []string) error {
	if actor.Subject == "" {
		return fmt.Errorf("%w: anonymous caller", ErrForbidden)
	}
	if actor.WorkspaceID == workspaceID {
		for _, r := range actor.Roles {
			if slices.Contains(allowed, r) {
				return nil
			}
		}
	}
	var m Member
	if _, err := s.store.Load(ctx, TypeMember, MemberKey(workspaceID, actor.Subject), &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, actor.Subject, workspaceID)
		}
		return err
	}
	if !m.Active() || !m.HasAnyRole(allowed...) {
		return fmt.Errorf("%w: %s lacks %s in %s", ErrForbidden, actor.Subject, strings.Join(allowed, "|"), workspaceID)
	}
	return nil
}

// emit enqueues a command's events in order. Callers run it last, inside the
// transaction that saved the aggregate.
func (s *Service) emit(ctx context.Context, envs ...events.Envelope) error {
	for _, env := range envs {
		if _, err := s.outbox.EnqueueDeclared(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) envelope(ctx context.Context, eventType, sourceID string, version uint64, payload any) (events.Envelope, error) {
	return events.NewEnvelope(ctx, events.EnvelopeParams{
		EventType:  eventType,
		SourceID:   sourceID,
		Version:    version,
		OccurredAt: s.now().UTC(),
		Payload:    payload,
	})
}

func (s *Service) audit(ctx context.Context, actor Actor, workspaceID, action, subject, sourceID string, version uint64, detail string) (events.Envelope, error) {
	return s.envelope(ctx, events.TypeAuditRecorded, sourceID, version, events.AuditRecorded{
		WorkspaceID: workspaceID,
		Actor:       actor.Subject,
		Action:      action,
		Subject:     subject,
		Detail:      detail,
	})
}

type ProposeInput struct {
	ScheduleItemID string    `json:"scheduleItemId"`
	WorkspaceID    string    `json:"workspaceId"`
	AssigneeID     string    `json:"assigneeId"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
}

// ProposeSchedule creates a schedule item in proposed status. Whether the
// assignee may take it is decided later by the assignment saga.
func (s *Service) ProposeSchedule(ctx context.Context, actor Actor, in ProposeInput) (ScheduleItem, error) {
	if in.WorkspaceID == "" || in.AssigneeID == "" || strings.TrimSpace(in.Title) == "" || in.StartsAt.IsZero() || in.EndsAt.IsZero() {
		return ScheduleItem{}, fmt.Errorf("%w: workspaceId, assigneeId, title, startsAt and endsAt are required", ErrInvalidInput)
	}
	if in.ScheduleItemID == "" {
		in.ScheduleItemID = uuid.NewString()
	}
	item := ScheduleItem{
		ID:          in.ScheduleItemID,
		WorkspaceID: in.WorkspaceID,
		AssigneeID:  in.AssigneeID,
		Title:       strings.TrimSpace(in.Title),
		StartsAt:    in.StartsAt.UTC(),
		EndsAt:      in.EndsAt.UTC(),
		Status:      ScheduleProposed,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.authorize(ctx, actor, in.WorkspaceID, proposeRoles); err != nil {
			return err
		}
		proposed, err := s.envelope(ctx, events.TypeScheduleProposed, item.ID, 1, events.ScheduleProposed{
			ScheduleItemID: item.ID,
			WorkspaceID:    item.WorkspaceID,
			AssigneeID:     item.AssigneeID,
			Title:          item.Title,
			StartsAt:       item.StartsAt,
			EndsAt:         item.EndsAt,
			Actor:          actor.Subject,
		})
		if err != nil {
			return err
		}
		audit, err := s.audit(ctx, actor, item.WorkspaceID, "schedule.propose", item.ID, item.ID, 1, item.Title)
		if err != nil {
			return err
		}
		if item.Version, err = s.store.Save(ctx, TypeScheduleItem, item.ID, 0, item); err != nil {
			return err
		}
		return s.emit(ctx, proposed, audit)
	})
	if err != nil {
		return ScheduleItem{}, err
	}
	return item, nil
}

// mutateMember loads (or starts) a member, applies change and persists it with
// the event build returns. A change that reports false is a no-op.
func (s *Service) mutateMember(ctx context.Context, actor Actor, workspaceID, memberID string, create bool,
	change func(m *Member) (bool, error),
	build func(m Member) (string, any),
	action, detail string,
) (Member, error) {
	if workspaceID == "" || memberID == "" {
		return Member{}, fmt.Errorf("%w: workspaceId and memberId are required", ErrInvalidInput)
	}
	key := MemberKey(workspaceID, memberID)
	var out Member
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.authorize(ctx, actor, workspaceID, memberAdminRoles); err != nil {
			return err
		}
		var m Member
		version, err := s.store.Load(ctx, TypeMember, key, &m)
		switch {
		case errors.Is(err, ErrNotFound) && create:
			m = Member{WorkspaceID: workspaceID, MemberID: memberID, Roles: []string{}, Status: MemberActive}
		case err != nil:
			return err
		}
		changed, err := change(&m)
		if err != nil {
			return err
		}
		m.Version = version
		if !changed {
			out = m
			return nil
		}
		slices.Sort(m.Roles)
		next, err := s.store.Save(ctx, TypeMember, key, version, m)
		if err != nil {
			return err
		}
		m.Version = next
		eventType, payload := build(m)
		ev, err := s.envelope(ctx, eventType, key, next, payload)
		if err != nil {
			return err
		}
		audit, err := s.audit(ctx, actor, workspaceID, action, memberID, key, next, detail)
		if err != nil {
			return err
		}
		out = m
		return s.emit(ctx, ev, audit)
	})
	return out, err
}

func (s *Service) GrantRole(ctx context.Context, actor Actor, workspaceID, memberID, role string) (Member, error) {
	if !ValidRole(role) {
		return Member{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return s.mutateMember(ctx, actor, workspaceID, memberID, true,
		func(m *Member) (bool, error) {
			if slices.Contains(m.Roles, role) {
				return false, nil
			}
			m.Roles = append(m.Roles, role)
			return true, nil
		},
		func(m Member) (string, any) {
			return events.TypeMemberRoleGranted, events.MemberRoleGranted{
				WorkspaceID: workspaceID, MemberID: memberID, Role: role, Roles: m.Roles, Status: m.Status, Actor: actor.Subject,
			}
		}, "member.grant_role", role)
}

func (s *Service) RevokeRole(ctx context.Context, actor Actor, workspaceID, memberID, role string) (Member, error) {
	return s.mutateMember(ctx, actor, workspaceID, memberID, false,
		func(m *Member) (bool, error) {
			i := slices.Index(m.Roles, role)
			if i < 0 {
				return false, nil
			}
			m.Roles = slices.Delete(m.Roles, i, i+1)
			return true, nil
		},
		func(m Member) (string, any) {
			return events.TypeMemberRoleRevoked, events.MemberRoleRevoked{
				WorkspaceID: workspaceID, MemberID: memberID, Role: role, Roles: m.Roles, Status: m.Status, Actor: actor.Subject,
			}
		}, "member.revoke_role", role)
}

func (s *Service) Suspend(ctx context.Context, actor Actor, workspaceID, memberID, reason string) (Member, error) {
	return s.mutateMember(ctx, actor, workspaceID, memberID, false,
		func(m *Member) (bool, error) {
			if m.Status == MemberSuspended {
				return false, nil
			}
			m.Status = MemberSuspended
			return true, nil
		},
		func(m Member) (string, any) {
			return events.TypeMemberSuspended, events.MemberSuspended{
				WorkspaceID: workspaceID, MemberID: memberID, Roles: m.Roles, Reason: reason, Actor: actor.Subject,
			}
		}, "member.suspend", reason)
}

// mutateWorkspace is mutateMember for the workspace aggregate, which is
// created on first use.
func (s *Service) mutateWorkspace(ctx context.Context, actor Actor, workspaceID string, allowed []string,
	change func(w *Workspace) (bool, error),
	build func(w Workspace) (string, any),
	action, detail string,
) (Workspace, error) {
	if workspaceID == "" {
		return Workspace{}, fmt.Errorf("%w: workspaceId is required", ErrInvalidInput)
	}
	var out Workspace
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.authorize(ctx, actor, workspaceID, allowed); err != nil {
			return err
		}
		var w Workspace
		version, err := s.store.Load(ctx, TypeWorkspace, workspaceID, &w)
		if errors.Is(err, ErrNotFound) {
			w = Workspace{ID: workspaceID, Balance: decimal.Zero, Tags: []string{}}
		} else if err != nil {
			return err
		}
		changed, err := change(&w)
		if err != nil {
			return err
		}
		w.Version = version
		if !changed {
			out = w
			return nil
		}
		next, err := s.store.Save(ctx, TypeWorkspace, workspaceID, version, w)
		if err != nil {
			return err
		}
		w.Version = next
		eventType, payload := build(w)
		ev, err := s.envelope(ctx, eventType, workspaceID, next, payload)
		if err != nil {
			return err
		}
		audit, err := s.audit(ctx, actor, workspaceID, action, workspaceID, workspaceID, next, detail)
		if err != nil {
			return err
		}
		out = w
		return s.emit(ctx, ev, audit)
	})
	return out, err
}

// AdjustCredit applies delta to the balance. The balance never goes negative.
func (s *Service) AdjustCredit(ctx context.Context, actor Actor, workspaceID string, delta decimal.Decimal, reason string) (Workspace, error) {
	if delta.IsZero() {
		return Workspace{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidInput)
	}
	return s.mutateWorkspace(ctx, actor, workspaceID, creditRoles,
		func(w *Workspace) (bool, error) {
			next := w.Balance.Add(delta)
			if next.IsNegative() {
				return false, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientCredit, w.Balance, delta)
			}
			w.Balance = next
			return true, nil
		},
		func(w Workspace) (string, any) {
			return events.TypeCreditAdjusted, events.CreditAdjusted{
				WorkspaceID: workspaceID, Delta: delta, Balance: w.Balance, Reason: reason, Actor: actor.Subject,
			}
		}, "workspace.adjust_credit", delta.String())
}

func (s *Service) AttachTag(ctx context.Context, actor Actor, workspaceID, tag string) (Workspace, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Workspace{}, fmt.Errorf("%w: tag is required", ErrInvalidInput)
	}
	return s.mutateWorkspace(ctx, actor, workspaceID, tagRoles,
		func(w *Workspace) (bool, error) {
			if slices.Contains(w.Tags, tag) {
				return false, nil
			}
			w.Tags = append(w.Tags, tag)
			slices.Sort(w.Tags)
			return true, nil
		},
		func(w Workspace) (string, any) {
			return events.TypeTagAttached, events.TagAttached{WorkspaceID: workspaceID, Tag: tag, Tags: w.Tags, Actor: actor.Subject}
		}, "workspace.attach_tag", tag)
}

// Member is the strongly consistent read of a member aggregate.
func (s *Service) Member(ctx context.Context, workspaceID, memberID string) (Member, error) {
	var m Member
	v, err := s.store.Load(ctx, TypeMember, MemberKey(workspaceID, memberID), &m)
	if err != nil {
		return Member{}, err
	}
	m.Version = v
	return m, nil
}

func (s *Service) Workspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var w Workspace
	v, err := s.store.Load(ctx, TypeWorkspace, workspaceID, &w)
	if err != nil {
		return Workspace{}, err
	}
	w.Version = v
	return w, nil
}

func (s *Service) ScheduleItem(ctx context.Context, id string) (ScheduleItem, error) {
	var item ScheduleItem
	v, err := s.store.Load(ctx, TypeScheduleItem, id, &item)
	if err != nil {
		return ScheduleItem{}, err
	}
	item.Version = v
	return item, nil
}
