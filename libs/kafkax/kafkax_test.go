package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestEventMetaRoundTripThroughHeaders(t *testing.T) {
	meta := EventMeta{EventID: "e1", EventType: "workspace.tag.attached.v1", IdempotencyKey: "e1:w1:3", TraceID: "t1", Lane: "BACKGROUND_LANE"}
	msg := kafka.Message{Topic: "lanes.background", Headers: meta.Headers()}
	require.Equal(t, meta, ExtractEventMeta(msg))

	bare := ExtractEventMeta(kafka.Message{Topic: "fallback"})
	require.Equal(t, "fallback", bare.EventType)
}

func TestSplitBrokers(t *testing.T) {
	require.Equal(t, []string{"a:1", "b:2"}, SplitBrokers(" a:1, ,b:2 "))
	require.Nil(t, SplitBrokers(""))
}

func TestInjectTraceHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectTraceHeaders(ctx, nil)
	require.Contains(t, HeaderValue(headers, "traceparent"), traceID.String())

	extracted := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	require.Equal(t, traceID, trace.SpanContextFromContext(extracted).TraceID())
}
