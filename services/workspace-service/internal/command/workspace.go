package command

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"github.com/shopspring/decimal"
)

// Command names.
const (
	ProposeSchedule = "schedule.propose"
	GrantRole       = "member.grant_role"
	RevokeRole      = "member.revoke_role"
	SuspendMember   = "member.suspend"
	AdjustCredit    = "workspace.adjust_credit"
	AttachTag       = "workspace.attach_tag"
)

// WorkspaceCommands is the part of the write side the gateway drives.
type WorkspaceCommands interface {
	ProposeSchedule(ctx context.Context, actor workspace.Actor, in workspace.ProposeInput) (workspace.ScheduleItem, error)
	GrantRole(ctx context.Context, actor workspace.Actor, workspaceID, memberID, role string) (workspace.Member, error)
	RevokeRole(ctx context.Context, actor workspace.Actor, workspaceID, memberID, role string) (workspace.Member, error)
	Suspend(ctx context.Context, actor workspace.Actor, workspaceID, memberID, reason string) (workspace.Member, error)
	AdjustCredit(ctx context.Context, actor workspace.Actor, workspaceID string, delta decimal.Decimal, reason string) (workspace.Workspace, error)
	AttachTag(ctx context.Context, actor workspace.Actor, workspaceID, tag string) (workspace.Workspace, error)
}

type memberRoleInput struct {
	WorkspaceID string `json:"workspaceId"`
	MemberID    string `json:"memberId"`
	Role        string `json:"role"`
}

type suspendInput struct {
	WorkspaceID string `json:"workspaceId"`
	MemberID    string `json:"memberId"`
	Reason      string `json:"reason"`
}

type creditInput struct {
	WorkspaceID string          `json:"workspaceId"`
	Delta       decimal.Decimal `json:"delta"`
	Reason      string          `json:"reason"`
}

type tagInput struct {
	WorkspaceID string `json:"workspaceId"`
	Tag         string `json:"tag"`
}

// RegisterWorkspace registers the workspace commands and the classifier for
// their errors.
func RegisterWorkspace(g *Gateway, svc WorkspaceCommands) error {
	g.classifiers = append(g.classifiers, classifyWorkspace)
	handlers := map[string]Handler{
		ProposeSchedule: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in workspace.ProposeInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.ProposeSchedule(ctx, actor(c), in)
		},
		GrantRole: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in memberRoleInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.GrantRole(ctx, actor(c), in.WorkspaceID, in.MemberID, in.Role)
		},
		RevokeRole: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in memberRoleInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.RevokeRole(ctx, actor(c), in.WorkspaceID, in.MemberID, in.Role)
		},
		SuspendMember: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in suspendInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.Suspend(ctx, actor(c), in.WorkspaceID, in.MemberID, in.Reason)
		},
		AdjustCredit: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in creditInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.AdjustCredit(ctx, actor(c), in.WorkspaceID, in.Delta, in.Reason)
		},
		AttachTag: func(ctx context.Context, c Caller, payload json.RawMessage) (any, error) {
			var in tagInput
			if err := Decode(payload, &in); err != nil {
				return nil, err
			}
			return svc.AttachTag(ctx, actor(c), in.WorkspaceID, in.Tag)
		},
	}
	for name, h := range handlers {
		if err := g.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func actor(c Caller) workspace.Actor {
	return workspace.Actor{Subject: c.Subject, WorkspaceID: c.WorkspaceID, Roles: c.Roles}
}

func classifyWorkspace(err error) (Code, bool) {
	switch {
	case errors.Is(err, workspace.ErrForbidden):
		return CodeForbidden, true
	case errors.Is(err, workspace.ErrInvalidInput):
		return CodeInvalidInput, true
	case errors.Is(err, workspace.ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, workspace.ErrConcurrentModification):
		return CodeConflict, true
	case errors.Is(err, workspace.ErrInsufficientCredit):
		return CodeInsufficientCredit, true
	}
	return "", false
}
