// Package authority builds point-in-time snapshots of what a subject may do in
// a workspace. Snapshots come from the member authority read model when it is
// fresh enough and from the member aggregate otherwise.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/consistency"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/projection"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/push"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrCredentialExpired = errors.New("authority: credential expired")
	ErrInvalidSubject    = errors.New("authority: subject and workspace are required")
)

// KindPermissionsChanged is the push kind sent when a subject's authority changes.
const KindPermissionsChanged = "permissions_changed"

type Snapshot struct {
	SubjectID        string               `json:"subjectId"`
	WorkspaceID      string               `json:"workspaceId"`
	Roles            []string             `json:"roles"`
	Status           string               `json:"status"`
	SnapshotAt       time.Time            `json:"snapshotAt"`
	ReadModelVersion uint64               `json:"readModelVersion"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	Source           consistency.ReadPath `json:"source"`
}

// Active reports whether the snapshot grants anything at all.
func (s Snapshot) Active() bool { return s.Status == workspace.MemberActive && len(s.Roles) > 0 }

// ProjectionReader reads one read-model document with its version record.
type ProjectionReader interface {
	Read(ctx context.Context, projection, key string) (docstore.Snapshot, projection.VersionRecord, error)
	Age(ctx context.Context, projection, key string, rec projection.VersionRecord) (time.Duration, error)
}

type MemberReader interface {
	Member(ctx context.Context, workspaceID, memberID string) (workspace.Member, error)
}

// CacheKey is "authority:<workspaceId>:<subjectId>".
func CacheKey(workspaceID, subjectID string) string {
	return "authority:" + workspaceID + ":" + subjectID
}

type Config struct {
	// MaxTTL caps how long a snapshot is cached even for long-lived credentials.
	MaxTTL time.Duration
	Tier   consistency.StalenessTier
}

func (c Config) withDefaults() Config {
	if c.MaxTTL <= 0 {
		c.MaxTTL = 5 * time.Minute
	}
	if c.Tier == "" {
		c.Tier = consistency.TierAuthorization
	}
	return c
}

type Service struct {
	reader  ProjectionReader
	members MemberReader
	cache   Cache
	sender  push.Sender
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewService wires the snapshot builder. cache and sender may be nil.
func NewService(reader ProjectionReader, members MemberReader, cache Cache, sender push.Sender, logger *slog.Logger, cfg Config) *Service {
	if cache == nil {
		cache = noCache{}
	}
	if sender == nil {
		sender = push.NoopSender{}
	}
	return &Service{
		reader:  reader,
		members: members,
		cache:   cache,
		sender:  sender,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Snapshot returns the subject's authority in workspaceID. exp is the
// credential's expiry; the snapshot never outlives it. A zero exp means the
// credential carries none and MaxTTL applies.
func (s *Service) Snapshot(ctx context.Context, workspaceID, subjectID string, exp time.Time) (Snapshot, error) {
	if workspaceID == "" || subjectID == "" {
		return Snapshot{}, ErrInvalidSubject
	}
	now := s.now().UTC()
	if !exp.IsZero() && !exp.After(now) {
		return Snapshot{}, ErrCredentialExpired
	}
	key := CacheKey(workspaceID, subjectID)
	if snap, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "authority cache read failed", "key", key, "err", err)
	} else if ok && (exp.IsZero() || !snap.ExpiresAt.After(exp)) {
		fresh, err := s.fresh(ctx, workspaceID, subjectID, snap)
		if err != nil {
			return Snapshot{}, err
		}
		if fresh {
			metrics.Inc(ctx, metrics.AuthorityCacheHits)
			return snap, nil
		}
	}

	snap, err := s.build(ctx, workspaceID, subjectID, now)
	if err != nil {
		return Snapshot{}, err
	}
	ttl := s.cfg.MaxTTL
	if !exp.IsZero() && exp.Sub(now) < ttl {
		ttl = exp.Sub(now)
	}
	snap.ExpiresAt = now.Add(ttl)
	if err := s.cache.Set(ctx, key, snap, ttl); err != nil {
		s.logger.WarnContext(ctx, "authority cache write failed", "key", key, "err", err)
	}
	return snap, nil
}

// fresh reports whether a cached snapshot is still within the tier, counting
// member changes committed after the version it was built from.
func (s *Service) fresh(ctx context.Context, workspaceID, subjectID string, snap Snapshot) (bool, error) {
	age, err := s.reader.Age(ctx, projection.MemberAuthority, workspace.MemberKey(workspaceID, subjectID),
		projection.VersionRecord{LastProcessedVersion: snap.ReadModelVersion})
	if err != nil {
		return false, err
	}
	return !consistency.IsStale(age.Milliseconds(), s.cfg.Tier), nil
}

func (s *Service) build(ctx context.Context, workspaceID, subjectID string, now time.Time) (Snapshot, error) {
	docID := workspace.MemberKey(workspaceID, subjectID)
	doc, rec, err := s.reader.Read(ctx, projection.MemberAuthority, docID)
	switch {
	case err == nil:
		age, err := s.reader.Age(ctx, projection.MemberAuthority, docID, rec)
		if err != nil {
			return Snapshot{}, err
		}
		if !consistency.IsStale(age.Milliseconds(), s.cfg.Tier) {
			var view projection.MemberAuthorityView
			if err := doc.Decode(&view); err != nil {
				return Snapshot{}, fmt.Errorf("decode %s/%s: %w", projection.MemberAuthority, docID, err)
			}
			metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.EventualRead)))
			return Snapshot{
				SubjectID:        subjectID,
				WorkspaceID:      workspaceID,
				Roles:            view.Roles,
				Status:           view.Status,
				SnapshotAt:       now,
				ReadModelVersion: rec.LastProcessedVersion,
				Source:           consistency.EventualRead,
			}, nil
		}
		s.logger.InfoContext(ctx, "authority read model stale, reading aggregate",
			"doc_id", docID, "age_ms", age.Milliseconds(), "tier", s.cfg.Tier)
		metrics.Inc(ctx, metrics.StaleFallbacks, attribute.String("tier", string(s.cfg.Tier)))
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return Snapshot{}, err
	}

	metrics.Inc(ctx, metrics.ConsistencyReads, attribute.String("path", string(consistency.StrongRead)))
	m, err := s.members.Member(ctx, workspaceID, subjectID)
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		return Snapshot{SubjectID: subjectID, WorkspaceID: workspaceID, Roles: []string{}, SnapshotAt: now, Source: consistency.StrongRead}, nil
	case err != nil:
		return Snapshot{}, err
	}
	return Snapshot{
		SubjectID:        subjectID,
		WorkspaceID:      workspaceID,
		Roles:            m.Roles,
		Status:           m.Status,
		SnapshotAt:       now,
		ReadModelVersion: m.Version,
		Source:           consistency.StrongRead,
	}, nil
}

// Watch invalidates cached snapshots when the member authority read model
// changes and tells the affected subject. It returns the unsubscribe func.
func (s *Service) Watch(store docstore.Store) func() {
	return store.Subscribe(projection.MemberAuthority, func(ctx context.Context, c docstore.Change) {
		workspaceID, subjectID, ok := strings.Cut(c.ID, "/")
		if !ok {
			return
		}
		if err := s.cache.Delete(ctx, CacheKey(workspaceID, subjectID)); err != nil {
			s.logger.WarnContext(ctx, "authority cache invalidation failed", "doc_id", c.ID, "err", err)
		}
		data := map[string]any{"workspaceId": workspaceID, "subjectId": subjectID}
		meta := map[string]string{}
		if snap, err := store.Get(ctx, c.Collection, c.ID); err == nil {
			rec := projection.RecordOf(snap.Data)
			data["readModelVersion"] = rec.LastProcessedVersion
			meta[push.MetaTraceID] = rec.TraceID
		}
		if err := s.sender.Send(ctx, subjectID, push.Payload{Kind: KindPermissionsChanged, Data: data, Metadata: meta}); err != nil {
			s.logger.WarnContext(ctx, "permissions push failed", "subject_id", subjectID, "err", err)
		}
	})
}
