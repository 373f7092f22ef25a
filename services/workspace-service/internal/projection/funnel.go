package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome lists, per projection name, what ApplyEvent did with one event.
type Outcome struct {
	Applied   []string
	Discarded []string
}

// Backlog reports source changes a read model has not applied yet. The outbox
// stores implement it.
type Backlog interface {
	OldestUnapplied(ctx context.Context, sourceID string, eventTypes []string, afterVersion uint64) (time.Time, bool, error)
}

// Funnel is the single write path into read models.
type Funnel struct {
	store   docstore.Store
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	backlog Backlog

	byName map[string]Projection
	byType map[string][]Projection
}

func NewFunnel(store docstore.Store, logger *slog.Logger, projections ...Projection) (*Funnel, error) {
	f := &Funnel{
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer("projection"),
		byName: map[string]Projection{},
		byType: map[string][]Projection{},
	}
	for _, p := range projections {
		if p.name == "" || p.apply == nil {
			return nil, fmt.Errorf("%w: zero projection", ErrInvalidProjection)
		}
		if _, dup := f.byName[p.name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidProjection, p.name)
		}
		f.byName[p.name] = p
		for _, t := range p.eventTypes {
			f.byType[t] = append(f.byType[t], p)
		}
	}
	return f, nil
}

// EventTypes returns every event type some projection consumes, sorted.
func (f *Funnel) EventTypes() []string {
	out := make([]string, 0, len(f.byType))
	for t := range f.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *Funnel) Projection(name string) (Projection, error) {
	p, ok := f.byName[name]
	if !ok {
		return Projection{}, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return p, nil
}

// ApplyEvent runs env through every projection that consumes its type. Each
// projection commits in its own transaction; stale events are discarded
// without error.
func (f *Funnel) ApplyEvent(ctx context.Context, env events.Envelope) (Outcome, error) {
	ctx, span := f.tracer.Start(ctx, "projection.apply", trace.WithAttributes(
		attribute.String("event.type", env.EventType),
		attribute.String("event.source", env.SourceID),
		attribute.Int64("event.version", int64(env.Version)),
	))
	defer span.End()

	var (
		out  Outcome
		errs []error
	)
	for _, p := range f.byType[env.EventType] {
		applied, err := f.applyTo(ctx, p, env)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		case applied:
			out.Applied = append(out.Applied, p.name)
		default:
			out.Discarded = append(out.Discarded, p.name)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return out, err
	}
	return out, nil
}

// Handle adapts ApplyEvent to a router subscriber.
func (f *Funnel) Handle(ctx context.Context, env events.Envelope) error {
	_, err := f.ApplyEvent(ctx, env)
	return err
}

func (f *Funnel) applyTo(ctx context.Context, p Projection, env events.Envelope) (bool, error) {
	key, err := p.key(env)
	if err != nil {
		return false, err
	}
	if key == "" {
		return false, fmt.Errorf("%w: empty document key for %s", ErrInvalidProjection, env.EventType)
	}

	applied := false
	err = f.store.RunTransaction(ctx, func(ctx context.Context) error {
		var current docstore.Doc
		snap, err := f.store.Get(ctx, p.collection, key)
		switch {
		case err == nil:
			current = snap.Data
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}

		last := RecordOf(current)
		if p.kind == KindVersioned && Decide(env.Version, last.LastProcessedVersion) == Discard {
			return nil
		}
		next, err := p.apply(current, env)
		if err != nil {
			return err
		}
		next[MetaField] = VersionRecord{
			LastProcessedVersion: env.Version,
			TraceID:              env.TraceID,
			UpdatedAt:            f.now().UTC(),
			SourceOccurredAt:     env.OccurredAt,
		}.doc()
		if err := f.store.Set(ctx, p.collection, key, next, false); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	attrs := attribute.String("projection", p.name)
	if applied {
		metrics.Inc(ctx, metrics.ProjectionApplied, attrs)
		return true, nil
	}
	metrics.Inc(ctx, metrics.ProjectionDiscarded, attrs)
	f.logger.InfoContext(ctx, "stale event discarded",
		"projection", p.name,
		"key", key,
		"event_id", env.EventID,
		"event_version", env.Version,
		"trace_id", env.TraceID,
	)
	return false, nil
}

// ResetVersion sets the counter of one versioned document, the only way to move
// it backwards. The model body is left as is.
func (f *Funnel) ResetVersion(ctx context.Context, projection, key string, version uint64) error {
	p, err := f.Projection(projection)
	if err != nil {
		return err
	}
	if p.kind != KindVersioned {
		return ErrNotVersioned
	}
	return f.store.RunTransaction(ctx, func(ctx context.Context) error {
		snap, err := f.store.Get(ctx, p.collection, key)
		if errors.Is(err, docstore.ErrNotFound) {
			if version == 0 {
				return nil
			}
			snap = docstore.Snapshot{ID: key, Data: docstore.Doc{}}
		} else if err != nil {
			return err
		}
		rec := RecordOf(snap.Data)
		rec.LastProcessedVersion = version
		rec.UpdatedAt = f.now().UTC()
		return f.store.Set(ctx, p.collection, key, docstore.Doc{MetaField: rec.doc()}, true)
	})
}

// Rebuild resets one document to fromVersion and replays stream through the
// version guard. fromVersion 0 also drops the current body so the model is
// rebuilt from nothing. Events for other keys or types are skipped. The
// returned Outcome lists idempotency keys rather than projection names.
func (f *Funnel) Rebuild(ctx context.Context, projection, key string, fromVersion uint64, stream []events.Envelope) (Outcome, error) {
	p, err := f.Projection(projection)
	if err != nil {
		return Outcome{}, err
	}
	if p.kind != KindVersioned {
		return Outcome{}, ErrNotVersioned
	}
	if fromVersion == 0 {
		if err := f.store.Delete(ctx, p.collection, key); err != nil {
			return Outcome{}, err
		}
	} else if err := f.ResetVersion(ctx, projection, key, fromVersion); err != nil {
		return Outcome{}, err
	}

	ordered := append([]events.Envelope(nil), stream...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	handles := map[string]bool{}
	for _, t := range p.eventTypes {
		handles[t] = true
	}
	var out Outcome
	for _, env := range ordered {
		if !handles[env.EventType] {
			continue
		}
		if k, err := p.key(env); err != nil || k != key {
			continue
		}
		applied, err := f.applyTo(ctx, p, env)
		if err != nil {
			return out, fmt.Errorf("rebuild %s/%s at version %d: %w", projection, key, env.Version, err)
		}
		if applied {
			out.Applied = append(out.Applied, env.IdempotencyKey)
		} else {
			out.Discarded = append(out.Discarded, env.IdempotencyKey)
		}
	}
	f.logger.InfoContext(ctx, "projection rebuilt",
		"projection", projection, "key", key, "from_version", fromVersion,
		"applied", len(out.Applied), "discarded", len(out.Discarded))
	return out, nil
}

// TrackBacklog makes Age account for changes still waiting in b.
func (f *Funnel) TrackBacklog(b Backlog) { f.backlog = b }

// Age is how far the document key of a versioned projection trails its source
// at read time. Keys are source ids. Without a backlog only the write-time lag
// is known.
func (f *Funnel) Age(ctx context.Context, projection, key string, rec VersionRecord) (time.Duration, error) {
	p, err := f.Projection(projection)
	if err != nil {
		return 0, err
	}
	if f.backlog == nil || p.kind != KindVersioned {
		return rec.Lag(), nil
	}
	oldest, behind, err := f.backlog.OldestUnapplied(ctx, key, p.eventTypes, rec.LastProcessedVersion)
	if err != nil {
		return 0, fmt.Errorf("backlog of %s/%s: %w", projection, key, err)
	}
	return rec.AgeAt(f.now().UTC(), oldest, behind), nil
}

// Read returns the current document and its version record.
func (f *Funnel) Read(ctx context.Context, projection, key string) (docstore.Snapshot, VersionRecord, error) {
	p, err := f.Projection(projection)
	if err != nil {
		return docstore.Snapshot{}, VersionRecord{}, err
	}
	snap, err := f.store.Get(ctx, p.collection, key)
	if err != nil {
		return docstore.Snapshot{}, VersionRecord{}, err
	}
	return snap, RecordOf(snap.Data), nil
}
