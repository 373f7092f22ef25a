// Package metrics keeps process-wide delivery counters. Every increment is
// recorded in-process (readable through Snapshot) and mirrored to an
// OpenTelemetry counter of the same name.
package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	OutboxEnqueued      = "outbox.enqueued"
	RelayDelivered      = "relay.delivered"
	RelayFailed         = "relay.failed"
	RelayParked         = "relay.parked"
	RelayHeld           = "relay.held"
	RouterDelivered     = "router.delivered"
	RouterFailed        = "router.failed"
	RouterRejected      = "router.rejected"
	ProjectionApplied   = "projection.applied"
	ProjectionDiscarded = "projection.discarded"
	SagaStarted         = "saga.started"
	SagaCompleted       = "saga.completed"
	SagaCompensated     = "saga.compensated"
	SagaFailed          = "saga.failed"
	DLQReplayed         = "dlq.replayed"
	AlertsRaised        = "alerts.raised"
	ConsistencyReads    = "consistency.reads"
	StaleFallbacks      = "consistency.stale_fallbacks"
	AuthorityCacheHits  = "authority.cache_hits"
	CommandsExecuted    = "commands.executed"
	CommandsRejected    = "commands.rejected"
)

type registry struct {
	mu       sync.Mutex
	meter    metric.Meter
	values   map[string]int64
	counters map[string]metric.Int64Counter
}

var global = &registry{}

// Init binds the process registry to meter (the global provider's meter when nil)
// and clears all values. Call it once at process start.
func Init(meter metric.Meter) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/md-rashed-zaman/tenantflow")
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	global.meter = meter
	global.values = map[string]int64{}
	global.counters = map[string]metric.Int64Counter{}
}

// Reset zeroes every in-process value. OTel counters are cumulative and keep theirs.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.values = map[string]int64{}
}

func Inc(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	Add(ctx, name, 1, attrs...)
}

func Add(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	global.mu.Lock()
	if global.values == nil {
		global.values = map[string]int64{}
	}
	global.values[name] += delta
	c := global.counterLocked(name)
	global.mu.Unlock()

	if c != nil {
		c.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}

func Value(name string) int64 {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.values[name]
}

type Sample struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Snapshot returns all non-zero values sorted by name.
func Snapshot() []Sample {
	global.mu.Lock()
	out := make([]Sample, 0, len(global.values))
	for k, v := range global.values {
		out = append(out, Sample{Name: k, Value: v})
	}
	global.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *registry) counterLocked(name string) metric.Int64Counter {
	if r.meter == nil {
		return nil
	}
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, err := r.meter.Int64Counter("tenantflow." + name)
	if err != nil {
		return nil
	}
	r.counters[name] = c
	return c
}
