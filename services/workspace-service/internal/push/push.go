// Package push delivers notifications to subjects and operators. Every payload
// carries the trace id of the change that caused it.
package push

import (
	"context"
	"errors"
	"sync"

	otelx "github.com/md-rashed-zaman/tenantflow/libs/otel"
)

var ErrNoTarget = errors.New("push: target is required")

const MetaTraceID = "traceId"

type Payload struct {
	Kind     string            `json:"kind"`
	Data     any               `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

type Sender interface {
	Send(ctx context.Context, target string, payload Payload) error
}

// withTrace returns p with metadata.traceId set. An id already present is kept
// as is; otherwise the span in ctx supplies it.
func withTrace(ctx context.Context, p Payload) Payload {
	meta := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if meta[MetaTraceID] == "" {
		meta[MetaTraceID] = otelx.TraceID(ctx)
	}
	p.Metadata = meta
	return p
}

type NoopSender struct{}

func (NoopSender) Send(context.Context, string, Payload) error { return nil }

// Sent is one recorded delivery.
type Sent struct {
	Target  string
	Payload Payload
}

// RecordingSender keeps every payload in memory.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Sent
}

func (s *RecordingSender) Send(ctx context.Context, target string, payload Payload) error {
	if target == "" {
		return ErrNoTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{Target: target, Payload: withTrace(ctx, payload)})
	return nil
}

func (s *RecordingSender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
