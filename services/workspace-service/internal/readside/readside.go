// Package readside registers the service's queries. Each query picks its read
// path from what the answer is used for and falls back to the aggregate when
// the read model is older than its staleness tier allows.
package readside

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/authority"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/consistency"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/projection"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/query"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

var ErrNotFound = errors.New("readside: not found")

// Result wraps every query answer with where it came from.
type Result struct {
	Path    consistency.ReadPath `json:"path"`
	AgeMs   int64                `json:"ageMs"`
	Version uint64               `json:"version"`
	TraceID string               `json:"traceId,omitempty"`
	Data    any                  `json:"data"`
}

type ProjectionReader interface {
	Read(ctx context.Context, projection, key string) (docstore.Snapshot, projection.VersionRecord, error)
	Age(ctx context.Context, projection, key string, rec projection.VersionRecord) (time.Duration, error)
}

// Aggregates is the strongly consistent source. It also decides who may read
// a workspace.
type Aggregates interface {
	Workspace(ctx context.Context, workspaceID string) (workspace.Workspace, error)
	ScheduleItem(ctx context.Context, id string) (workspace.ScheduleItem, error)
	AuthorizeRead(ctx context.Context, actor workspace.Actor, workspaceID string) error
}

type AuthoritySource interface {
	Snapshot(ctx context.Context, workspaceID, subjectID string, exp time.Time) (authority.Snapshot, error)
}

type Service struct {
	reader     ProjectionReader
	docs       docstore.Store
	aggregates Aggregates
	authority  AuthoritySource
	logger     *slog.Logger
}

func NewService(reader ProjectionReader, docs docstore.Store, aggregates Aggregates, auth AuthoritySource, logger *slog.Logger) *Service {
	return &Service{reader: reader, docs: docs, aggregates: aggregates, authority: auth, logger: logger}
}

// Route keys.
const (
	QueryScheduleItem    = "schedule.item"
	QueryScheduleItems   = "schedule.items"
	QueryMemberAuthority = "member.authority"
	QueryBalance         = "workspace.balance"
	QueryTags            = "workspace.tags"
	QueryAuditLog        = "audit.log"
)

func (s *Service) Register(r *query.Registry) error {
	regs := []struct {
		key  string
		h    query.Handler
		desc string
	}{
		{QueryScheduleItem, s.scheduleItem, "schedule item by id (args: id, tier, purpose)"},
		{QueryScheduleItems, s.scheduleItems, "schedule items of a workspace from the read model (args: workspaceId, assigneeId)"},
		{QueryMemberAuthority, s.memberAuthority, "authority snapshot of a member (args: workspaceId, memberId)"},
		{QueryBalance, s.balance, "workspace credit balance, always strongly consistent (args: workspaceId)"},
		{QueryTags, s.tags, "workspace tags (args: workspaceId, tier, purpose)"},
		{QueryAuditLog, s.auditLog, "audit entries of a workspace (args: workspaceId)"},
	}
	for _, reg := range regs {
		if err := r.RegisterQuery(reg.key, reg.h, reg.desc); err != nil {
			return err
		}
	}
	return nil
}

// workspaceArg returns the workspaceId argument once the caller may read it.
func (s *Service) workspaceArg(ctx context.Context, caller query.Caller, args query.Args) (string, error) {
	ws, err := args.Required("workspaceId")
	if err != nil {
		return "", err
	}
	return ws, s.allow(ctx, caller, ws)
}

func (s *Service) allow(ctx context.Context, caller query.Caller, workspaceID string) error {
	return s.aggregates.AuthorizeRead(ctx, workspace.Actor{
		Subject:     caller.Subject,
		WorkspaceID: caller.WorkspaceID,
		Roles:       caller.Roles,
	}, workspaceID)
}

// tierArg lets a caller tighten or relax the default tier.
func tierArg(args query.Args, def consistency.StalenessTier) (consistency.StalenessTier, error) {
	raw := args.Get("tier")
	if raw == "" {
		return def, nil
	}
	tier, err := consistency.ParseTier(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidArg, err)
	}
	return tier, nil
}

// purposeArg maps the optional purpose argument to a read context. A caller
// about to act on the answer says so and gets a strong read.
func purposeArg(args query.Args) (consistency.Context, error) {
	switch p := args.Get("purpose"); p {
	case "":
		return consistency.Context{}, nil
	case "financial":
		return consistency.Context{IsFinancial: true}, nil
	case "security":
		return consistency.Context{IsSecurity: true}, nil
	case "irreversible":
		return consistency.Context{IsIrreversible: true}, nil
	default:
		return consistency.Context{}, fmt.Errorf("%w: unknown purpose %q", query.ErrInvalidArg, p)
	}
}

// eventual reads a read-model document into v. ok is false when the document
// is missing or too old for tier.
func (s *Service) eventual(ctx context.Context, name, key string, tier consistency.StalenessTier, v any) (Result, bool, error) {
	doc, rec, err := s.reader.Read(ctx, name, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	lag, err := s.reader.Age(ctx, name, key, rec)
	if err != nil {
		return Result{}, false, err
	}
	age := lag.Milliseconds()
	if consistency.IsStale(age, tier) {
		metrics.Inc(ctx, metrics.StaleFallbacks, attribute.String("tier", string(tier)))
		s.logger.InfoContext(ctx, "read model stale, reading aggregate", "projection", name, "key", key, "age_ms", age, "tier", tier)
		return Result{}, false, nil
	}
	if err := doc.Decode(v); err != nil {
		return Result{}, false, fmt.Errorf("decode %s/%s: %w", name, key, err)
	}
	metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.EventualRead)))
	return Result{Path: consistency.EventualRead, AgeMs: age, Version: rec.LastProcessedVersion, TraceID: rec.TraceID, Data: v}, true, nil
}

func strong(ctx context.Context, version uint64, data any) Result {
	metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.StrongRead)))
	return Result{Path: consistency.StrongRead, Version: version, Data: data}
}

func notFound(err error) error {
	if errors.Is(err, workspace.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (s *Service) scheduleItem(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	id, err := args.Required("id")
	if err != nil {
		return nil, err
	}
	tier, err := tierArg(args, consistency.TierScheduling)
	if err != nil {
		return nil, err
	}
	rc, err := purposeArg(args)
	if err != nil {
		return nil, err
	}
	if consistency.Resolve(rc) == consistency.EventualRead {
		var view projection.ScheduleItemView
		res, ok, err := s.eventual(ctx, projection.ScheduleItems, id, tier, &view)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := s.allow(ctx, caller, view.WorkspaceID); err != nil {
				return nil, err
			}
			return res, nil
		}
	}
	item, err := s.aggregates.ScheduleItem(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if err := s.allow(ctx, caller, item.WorkspaceID); err != nil {
		return nil, err
	}
	return strong(ctx, item.Version, projection.ScheduleItemView{
		ScheduleItemID: item.ID,
		WorkspaceID:    item.WorkspaceID,
		AssigneeID:     item.AssigneeID,
		Title:          item.Title,
		StartsAt:       item.StartsAt,
		EndsAt:         item.EndsAt,
		Status:         item.Status,
		Reason:         item.Reason,
	}), nil
}

func (s *Service) scheduleItems(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	ws, err := s.workspaceArg(ctx, caller, args)
	if err != nil {
		return nil, err
	}
	filters := []docstore.Filter{docstore.Where("workspaceId", docstore.OpEq, ws)}
	if a := args.Get("assigneeId"); a != "" {
		filters = append(filters, docstore.Where("assigneeId", docstore.OpEq, a))
	}
	snaps, err := s.docs.Query(ctx, projection.ScheduleItems, filters...)
	if err != nil {
		return nil, err
	}
	items := make([]projection.ScheduleItemView, 0, len(snaps))
	var oldest int64
	for _, snap := range snaps {
		var v projection.ScheduleItemView
		if err := snap.Decode(&v); err != nil {
			return nil, err
		}
		items = append(items, v)
		lag, err := s.reader.Age(ctx, projection.ScheduleItems, snap.ID, projection.RecordOf(snap.Data))
		if err != nil {
			return nil, err
		}
		if ms := lag.Milliseconds(); ms > oldest {
			oldest = ms
		}
	}
	metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.EventualRead)))
	return Result{Path: consistency.EventualRead, AgeMs: oldest, Data: items}, nil
}

func (s *Service) memberAuthority(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	ws, err := s.workspaceArg(ctx, caller, args)
	if err != nil {
		return nil, err
	}
	member, err := args.Required("memberId")
	if err != nil {
		return nil, err
	}
	snap, err := s.authority.Snapshot(ctx, ws, member, time.Time{})
	if err != nil {
		return nil, err
	}
	return Result{Path: snap.Source, Version: snap.ReadModelVersion, Data: snap}, nil
}

type balance struct {
	WorkspaceID string          `json:"workspaceId"`
	Balance     decimal.Decimal `json:"balance"`
}

func (s *Service) balance(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	ws, err := s.workspaceArg(ctx, caller, args)
	if err != nil {
		return nil, err
	}
	w, err := s.aggregates.Workspace(ctx, ws)
	if err != nil {
		return nil, notFound(err)
	}
	return strong(ctx, w.Version, balance{WorkspaceID: w.ID, Balance: w.Balance}), nil
}

func (s *Service) tags(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	ws, err := s.workspaceArg(ctx, caller, args)
	if err != nil {
		return nil, err
	}
	tier, err := tierArg(args, consistency.TierTags)
	if err != nil {
		return nil, err
	}
	rc, err := purposeArg(args)
	if err != nil {
		return nil, err
	}
	if consistency.Resolve(rc) == consistency.EventualRead {
		var view projection.TagsView
		res, ok, err := s.eventual(ctx, projection.WorkspaceTags, ws, tier, &view)
		if err != nil || ok {
			return res, err
		}
	}
	w, err := s.aggregates.Workspace(ctx, ws)
	if err != nil {
		return nil, notFound(err)
	}
	tags := append([]string{}, w.Tags...)
	return strong(ctx, w.Version, projection.TagsView{WorkspaceID: w.ID, Tags: tags}), nil
}

func (s *Service) auditLog(ctx context.Context, caller query.Caller, args query.Args) (any, error) {
	ws, err := s.workspaceArg(ctx, caller, args)
	if err != nil {
		return nil, err
	}
	snaps, err := s.docs.Query(ctx, projection.AuditLog, docstore.Where("workspaceId", docstore.OpEq, ws))
	if err != nil {
		return nil, err
	}
	entries := make([]projection.AuditEntry, 0, len(snaps))
	for _, snap := range snaps {
		var e projection.AuditEntry
		if err := snap.Decode(&e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.EventualRead)))
	return Result{Path: consistency.EventualRead, Data: entries}, nil
}
