package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/stretchr/testify/require"
)

func newTestRouter(opts ...Option) *Router {
	opts = append([]Option{WithRetry(RetryConfig{MaxTries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond})}, opts...)
	return New(events.DefaultCatalog(), runtime.NopLogger(), opts...)
}

func envelope(t *testing.T, eventType, source string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(context.Background(), events.EnvelopeParams{
		EventType: eventType, SourceID: source, Version: 1, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return env
}

func TestSubscribersRunInRegistrationOrder(t *testing.T) {
	r := newTestRouter()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := r.Subscribe(events.TypeTagAttached, name, func(context.Context, events.Envelope) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, r.Accept(context.Background(), envelope(t, events.TypeTagAttached, "ws-1")))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSubscribeRejectsUnknownTypeAndDuplicates(t *testing.T) {
	r := newTestRouter()
	noop := func(context.Context, events.Envelope) error { return nil }

	_, err := r.Subscribe("workspace.unknown.v1", "x", noop)
	require.ErrorIs(t, err, events.ErrUnregisteredEventType)

	_, err = r.Subscribe(events.TypeTagAttached, "x", noop)
	require.NoError(t, err)
	_, err = r.Subscribe(events.TypeTagAttached, "x", noop)
	require.ErrorIs(t, err, ErrDuplicateSubscriber)

	_, err = r.Subscribe(events.TypeTagAttached, "", noop)
	require.ErrorIs(t, err, ErrInvalidSubscriber)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := newTestRouter()
	var calls atomic.Int32
	unregister, err := r.Subscribe(events.TypeTagAttached, "counter", func(context.Context, events.Envelope) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Accept(context.Background(), envelope(t, events.TypeTagAttached, "ws-1")))
	unregister()
	unregister()
	require.NoError(t, r.Accept(context.Background(), envelope(t, events.TypeTagAttached, "ws-1")))
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, r.Subscribers(events.TypeTagAttached))
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	r := newTestRouter()
	var attempts, healthy atomic.Int32
	_, err := r.Subscribe(events.TypeScheduleProposed, "flaky", func(context.Context, events.Envelope) error {
		attempts.Add(1)
		return errors.New("down")
	})
	require.NoError(t, err)
	_, err = r.Subscribe(events.TypeScheduleProposed, "panicky", func(context.Context, events.Envelope) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = r.Subscribe(events.TypeScheduleProposed, "healthy", func(context.Context, events.Envelope) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	err = r.Accept(context.Background(), envelope(t, events.TypeScheduleProposed, "sched-1"))
	require.Error(t, err)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, int32(1), healthy.Load())

	var se *SubscriberError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "flaky", se.Subscriber)
	require.Equal(t, 3, se.Attempts)
	require.Contains(t, err.Error(), "panicky")
}

func TestPermanentHandlerErrorSkipsRetries(t *testing.T) {
	r := newTestRouter()
	var attempts atomic.Int32
	_, err := r.Subscribe(events.TypeAuditRecorded, "strict", func(context.Context, events.Envelope) error {
		attempts.Add(1)
		return backoff.Permanent(errors.New("bad payload"))
	})
	require.NoError(t, err)
	require.Error(t, r.Accept(context.Background(), envelope(t, events.TypeAuditRecorded, "ws-1")))
	require.Equal(t, int32(1), attempts.Load())
}

func TestCriticalLaneFailureIsReturned(t *testing.T) {
	r := newTestRouter()
	_, err := r.Subscribe(events.TypeMemberSuspended, "authority", func(context.Context, events.Envelope) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, err)

	err = r.Accept(context.Background(), envelope(t, events.TypeMemberSuspended, "ws-1/m-1"))
	var se *SubscriberError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "authority", se.Subscriber)
	require.Equal(t, 3, se.Attempts)
}

func TestPublishToWrongLaneFails(t *testing.T) {
	r := newTestRouter()
	err := r.PublishToLane(context.Background(), events.LaneBackground, envelope(t, events.TypeMemberSuspended, "ws-1/m-1"))
	require.ErrorIs(t, err, ErrLaneMismatch)
}

func TestAcceptFailsClosedOnUnknownType(t *testing.T) {
	r := newTestRouter()
	env := envelope(t, events.TypeTagAttached, "ws-1")
	env.EventType = "workspace.unknown.v1"
	env.IdempotencyKey = events.BuildIdempotencyKey(env.EventID, env.SourceID, env.Version)
	require.ErrorIs(t, r.Accept(context.Background(), env), events.ErrUnregisteredEventType)
}

type capturePublisher struct {
	lane events.Lane
	env  events.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, lane events.Lane, env events.Envelope) error {
	c.lane, c.env = lane, env
	return nil
}

func TestAcceptUsesConfiguredPublisher(t *testing.T) {
	pub := &capturePublisher{}
	r := newTestRouter(WithPublisher(pub))
	env := envelope(t, events.TypeCreditAdjusted, "ws-1")
	require.NoError(t, r.Accept(context.Background(), env))
	require.Equal(t, events.LaneCritical, pub.lane)
	require.Equal(t, env.EventID, pub.env.EventID)
}
