// Package workspace holds the write side: workspace, member and schedule item
// aggregates, the commands that change them, and the schedule context's
// reaction to assignment decisions.
package workspace

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("workspace: not found")
	ErrConcurrentModification = errors.New("workspace: concurrent modification")
	ErrForbidden              = errors.New("workspace: forbidden")
	ErrInvalidInput           = errors.New("workspace: invalid input")
	ErrInsufficientCredit     = errors.New("workspace: insufficient credit")
)

const (
	TypeWorkspace    = "workspace"
	TypeMember       = "member"
	TypeScheduleItem = "schedule_item"
)

const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
	RoleMember    = "member"
	RoleViewer    = "viewer"
)

func ValidRole(r string) bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleScheduler, RoleMember, RoleViewer:
		return true
	}
	return false
}

const (
	MemberActive    = "active"
	MemberSuspended = "suspended"
)

const (
	ScheduleProposed = "proposed"
	ScheduleAssigned = "assigned"
	ScheduleRejected = "rejected"
)

type Workspace struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	Tags    []string        `json:"tags"`
	Version uint64          `json:"-"`
}

type Member struct {
	WorkspaceID string   `json:"workspaceId"`
	MemberID    string   `json:"memberId"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
	Version     uint64   `json:"-"`
}

// MemberKey is the aggregate id of a member: "<workspaceId>/<memberId>".
func MemberKey(workspaceID, memberID string) string {
	return workspaceID + "/" + memberID
}

func (m Member) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(m.Roles, r) {
			return true
		}
	}
	return false
}

func (m Member) Active() bool { return m.Status == MemberActive }

type ScheduleItem struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	AssigneeID  string    `json:"assigneeId"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Version     uint64    `json:"-"`
}
