package projection

import (
	"errors"
	"sort"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/shopspring/decimal"
)

// Read-model names. Each is also its docstore collection.
const (
	ScheduleItems     = "schedule_items"
	MemberAuthority   = "member_authority"
	WorkspaceBalances = "workspace_balances"
	WorkspaceTags     = "workspace_tags"
	AuditLog          = "audit_log"
)

type ScheduleItemView struct {
	ScheduleItemID string    `json:"scheduleItemId"`
	WorkspaceID    string    `json:"workspaceId"`
	AssigneeID     string    `json:"assigneeId"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
}

type MemberAuthorityView struct {
	WorkspaceID string   `json:"workspaceId"`
	MemberID    string   `json:"memberId"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
}

type BalanceView struct {
	WorkspaceID string          `json:"workspaceId"`
	Balance     decimal.Decimal `json:"balance"`
	LastDelta   decimal.Decimal `json:"lastDelta"`
}

type TagsView struct {
	WorkspaceID string   `json:"workspaceId"`
	Tags        []string `json:"tags"`
}

type AuditEntry struct {
	EventID     string    `json:"eventId"`
	WorkspaceID string    `json:"workspaceId"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Subject     string    `json:"subject"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
	TraceID     string    `json:"traceId,omitempty"`
}

var errUnexpectedType = errors.New("projection: unexpected event type")

// ReadModels returns the service's read models.
func ReadModels() []Projection {
	return []Projection{
		MustVersioned(ScheduleItems, ScheduleItems,
			[]string{events.TypeScheduleProposed, events.TypeScheduleStatusChanged},
			BySource, applyScheduleItem),
		MustVersioned(MemberAuthority, MemberAuthority,
			[]string{events.TypeMemberRoleGranted, events.TypeMemberRoleRevoked, events.TypeMemberSuspended},
			BySource, applyMemberAuthority),
		MustVersioned(WorkspaceBalances, WorkspaceBalances,
			[]string{events.TypeCreditAdjusted},
			BySource, applyBalance),
		MustVersioned(WorkspaceTags, WorkspaceTags,
			[]string{events.TypeTagAttached},
			BySource, applyTags),
		MustAppendOnly(AuditLog, AuditLog,
			[]string{events.TypeAuditRecorded},
			buildAuditEntry),
	}
}

func applyScheduleItem(v *ScheduleItemView, env events.Envelope) error {
	switch env.EventType {
	case events.TypeScheduleProposed:
		var p events.ScheduleProposed
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		*v = ScheduleItemView{
			ScheduleItemID: p.ScheduleItemID,
			WorkspaceID:    p.WorkspaceID,
			AssigneeID:     p.AssigneeID,
			Title:          p.Title,
			StartsAt:       p.StartsAt,
			EndsAt:         p.EndsAt,
			Status:         "proposed",
		}
	case events.TypeScheduleStatusChanged:
		var p events.ScheduleStatusChanged
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		v.ScheduleItemID = p.ScheduleItemID
		v.WorkspaceID = p.WorkspaceID
		v.AssigneeID = p.AssigneeID
		v.Status = p.To
		v.Reason = p.Reason
	default:
		return errUnexpectedType
	}
	return nil
}

func applyMemberAuthority(v *MemberAuthorityView, env events.Envelope) error {
	switch env.EventType {
	case events.TypeMemberRoleGranted:
		var p events.MemberRoleGranted
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		v.WorkspaceID, v.MemberID, v.Status = p.WorkspaceID, p.MemberID, p.Status
		v.Roles = sortedCopy(p.Roles)
	case events.TypeMemberRoleRevoked:
		var p events.MemberRoleRevoked
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		v.WorkspaceID, v.MemberID, v.Status = p.WorkspaceID, p.MemberID, p.Status
		v.Roles = sortedCopy(p.Roles)
	case events.TypeMemberSuspended:
		var p events.MemberSuspended
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		v.WorkspaceID, v.MemberID, v.Status = p.WorkspaceID, p.MemberID, "suspended"
		v.Roles = sortedCopy(p.Roles)
	default:
		return errUnexpectedType
	}
	if v.Status == "" {
		v.Status = "active"
	}
	return nil
}

func applyBalance(v *BalanceView, env events.Envelope) error {
	var p events.CreditAdjusted
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	v.WorkspaceID = p.WorkspaceID
	v.Balance = p.Balance
	v.LastDelta = p.Delta
	return nil
}

func applyTags(v *TagsView, env events.Envelope) error {
	var p events.TagAttached
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	v.WorkspaceID = p.WorkspaceID
	v.Tags = sortedCopy(p.Tags)
	return nil
}

func buildAuditEntry(env events.Envelope) (AuditEntry, error) {
	var p events.AuditRecorded
	if err := env.DecodePayload(&p); err != nil {
		return AuditEntry{}, err
	}
	return AuditEntry{
		EventID:     env.EventID,
		WorkspaceID: p.WorkspaceID,
		Actor:       p.Actor,
		Action:      p.Action,
		Subject:     p.Subject,
		Detail:      p.Detail,
		OccurredAt:  env.OccurredAt,
		TraceID:     env.TraceID,
	}, nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
