package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload contracts shared by the bounded contexts. Contexts never call each
// other; these structs are the only thing they agree on. Member and tag events
// carry the aggregate's resulting state so a projection that discards a stale
// event loses nothing.

type MemberRoleGranted struct {
	WorkspaceID string   `json:"workspaceId"`
	MemberID    string   `json:"memberId"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
	Actor       string   `json:"actor"`
}

type MemberRoleRevoked struct {
	WorkspaceID string   `json:"workspaceId"`
	MemberID    string   `json:"memberId"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
	Actor       string   `json:"actor"`
}

type MemberSuspended struct {
	WorkspaceID string   `json:"workspaceId"`
	MemberID    string   `json:"memberId"`
	Roles       []string `json:"roles"`
	Reason      string   `json:"reason"`
	Actor       string   `json:"actor"`
}

type CreditAdjusted struct {
	WorkspaceID string          `json:"workspaceId"`
	Delta       decimal.Decimal `json:"delta"`
	Balance     decimal.Decimal `json:"balance"`
	Reason      string          `json:"reason"`
	Actor       string          `json:"actor"`
}

type ScheduleProposed struct {
	ScheduleItemID string    `json:"scheduleItemId"`
	WorkspaceID    string    `json:"workspaceId"`
	AssigneeID     string    `json:"assigneeId"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
	Actor          string    `json:"actor"`
}

type ScheduleStatusChanged struct {
	ScheduleItemID string `json:"scheduleItemId"`
	WorkspaceID    string `json:"workspaceId"`
	AssigneeID     string `json:"assigneeId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Reason         string `json:"reason,omitempty"`
}

// ScheduleAssignApproved and ScheduleAssignRejected are emitted by the assignment saga.
type ScheduleAssignApproved struct {
	SagaID         string `json:"sagaId"`
	ScheduleItemID string `json:"scheduleItemId"`
	WorkspaceID    string `json:"workspaceId"`
	AssigneeID     string `json:"assigneeId"`
}

type ScheduleAssignRejected struct {
	SagaID         string `json:"sagaId"`
	ScheduleItemID string `json:"scheduleItemId"`
	WorkspaceID    string `json:"workspaceId"`
	AssigneeID     string `json:"assigneeId"`
	Reason         string `json:"reason"`
}

type EligibilityCheckRequested struct {
	SagaID         string    `json:"sagaId"`
	StepKey        string    `json:"stepKey"`
	ScheduleItemID string    `json:"scheduleItemId"`
	WorkspaceID    string    `json:"workspaceId"`
	AssigneeID     string    `json:"assigneeId"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
}

type EligibilityChecked struct {
	SagaID         string `json:"sagaId"`
	StepKey        string `json:"stepKey"`
	ScheduleItemID string `json:"scheduleItemId"`
	WorkspaceID    string `json:"workspaceId"`
	AssigneeID     string `json:"assigneeId"`
	Eligible       bool   `json:"eligible"`
	Reason         string `json:"reason,omitempty"`
}

type TagAttached struct {
	WorkspaceID string   `json:"workspaceId"`
	Tag         string   `json:"tag"`
	Tags        []string `json:"tags"`
	Actor       string   `json:"actor"`
}

type AuditRecorded struct {
	WorkspaceID string `json:"workspaceId"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Subject     string `json:"subject"`
	Detail      string `json:"detail,omitempty"`
}
