// Package alert raises operator alerts for deliveries that need a human.
package alert

import (
	"context"
	"log/slog"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/push"
	"go.opentelemetry.io/otel/attribute"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type Alert struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	EventType   string   `json:"eventType,omitempty"`
	AggregateID string   `json:"aggregateId,omitempty"`
	OutboxID    string   `json:"outboxId,omitempty"`
	TraceID     string   `json:"traceId,omitempty"`
	Reason      string   `json:"reason"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// OperatorAlerter logs every alert at error level and forwards it to the
// operator push target. A failed push is logged, never returned: the log line
// is the alert of record.
type OperatorAlerter struct {
	logger *slog.Logger
	sender push.Sender
	target string
}

func NewOperatorAlerter(logger *slog.Logger, sender push.Sender, target string) *OperatorAlerter {
	return &OperatorAlerter{logger: logger, sender: sender, target: target}
}

func (a *OperatorAlerter) Alert(ctx context.Context, al Alert) error {
	metrics.Inc(ctx, metrics.AlertsRaised, attribute.String("severity", string(al.Severity)))
	a.logger.ErrorContext(ctx, "operator alert",
		"severity", al.Severity,
		"title", al.Title,
		"event_type", al.EventType,
		"aggregate_id", al.AggregateID,
		"outbox_id", al.OutboxID,
		"trace_id", al.TraceID,
		"reason", al.Reason,
	)
	if a.sender == nil || a.target == "" {
		return nil
	}
	err := a.sender.Send(ctx, a.target, push.Payload{
		Kind:     "operator_alert",
		Data:     al,
		Metadata: map[string]string{push.MetaTraceID: al.TraceID},
	})
	if err != nil {
		a.logger.WarnContext(ctx, "operator alert push failed", "err", err)
	}
	return nil
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
