package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/kafkax"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/router"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

// chanReader replays written messages and records commits.
type chanReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []kafka.Message
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *chanReader) Close() error { return nil }

func (r *chanReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func envelope(t *testing.T, eventType, source string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(context.Background(), events.EnvelopeParams{
		EventType: eventType, SourceID: source, Version: 4, TraceID: "trace-9", Payload: json.RawMessage(`{"k":1}`),
	})
	require.NoError(t, err)
	return env
}

func TestPublisherWritesLaneTopicKeyedBySource(t *testing.T) {
	w := &recordingWriter{}
	r := router.New(events.DefaultCatalog(), runtime.NopLogger(),
		router.WithPublisher(NewKafkaLanePublisher(w, DefaultTopics("tf"))))

	env := envelope(t, events.TypeMemberRoleGranted, "ws-1/m-1")
	require.NoError(t, r.Accept(context.Background(), env))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	require.Equal(t, "tf.lane.critical", msg.Topic)
	require.Equal(t, "ws-1/m-1", string(msg.Key))

	meta := kafkax.ExtractEventMeta(msg)
	require.Equal(t, env.IdempotencyKey, meta.IdempotencyKey)
	require.Equal(t, "trace-9", meta.TraceID)
	require.Equal(t, string(events.LaneCritical), meta.Lane)

	decoded, err := events.DecodeEnvelope(msg.Value)
	require.NoError(t, err)
	require.Equal(t, env.IdempotencyKey, decoded.IdempotencyKey)
}

func TestPublisherSurfacesBrokerErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("not enough replicas")}
	p := NewKafkaLanePublisher(w, DefaultTopics(""))
	require.Error(t, p.Publish(context.Background(), events.LaneStandard, envelope(t, events.TypeScheduleProposed, "s-1")))

	p = NewKafkaLanePublisher(w, Topics{})
	require.ErrorIs(t, p.Publish(context.Background(), events.LaneStandard, envelope(t, events.TypeScheduleProposed, "s-1")), ErrNoTopic)
}

func newParker() (*dlq.Service, *dlq.MemoryStore) {
	catalog := events.DefaultCatalog()
	ob := outbox.New(outbox.NewMemoryStore(), catalog, runtime.NopLogger())
	store := dlq.NewMemoryStore()
	return dlq.NewService(db.InlineTx{}, store, ob, catalog, &alert.Recorder{}, runtime.NopLogger()), store
}

func TestConsumerDeliversAndCommits(t *testing.T) {
	w := &recordingWriter{}
	topics := DefaultTopics("tf")
	publisher := NewKafkaLanePublisher(w, topics)
	r := router.New(events.DefaultCatalog(), runtime.NopLogger(), router.WithPublisher(publisher))

	got := make(chan events.Envelope, 1)
	_, err := r.Subscribe(events.TypeTagAttached, "tags", func(_ context.Context, env events.Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	env := envelope(t, events.TypeTagAttached, "ws-1")
	require.NoError(t, r.Accept(context.Background(), env))

	reader := &chanReader{msgs: make(chan kafka.Message, 1)}
	reader.msgs <- w.msgs[0]
	parker, _ := newParker()
	c := NewLaneConsumer(reader, events.LaneBackground, r, parker, runtime.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case delivered := <-got:
		require.Equal(t, env.IdempotencyKey, delivered.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumerParksSubscriberFailure(t *testing.T) {
	r := router.New(events.DefaultCatalog(), runtime.NopLogger(),
		router.WithRetry(router.RetryConfig{MaxTries: 2, Initial: time.Millisecond, Max: time.Millisecond}))
	_, err := r.Subscribe(events.TypeScheduleProposed, "saga", func(context.Context, events.Envelope) error {
		return errors.New("lock unavailable")
	})
	require.NoError(t, err)

	parker, store := newParker()
	c := NewLaneConsumer(&chanReader{}, events.LaneStandard, r, parker, runtime.NopLogger())

	env := envelope(t, events.TypeScheduleProposed, "sched-1")
	value, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), kafka.Message{Topic: "tf.lane.standard", Value: value}))
	require.NoError(t, c.Handle(context.Background(), kafka.Message{Topic: "tf.lane.standard", Value: value}))

	entries, err := store.List(context.Background(), dlq.ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].RetryCount)
	require.Equal(t, env.IdempotencyKey, entries[0].IdempotencyKey)
	require.Empty(t, entries[0].OutboxID)
}

func TestConsumerSkipsUndecodableMessage(t *testing.T) {
	r := router.New(events.DefaultCatalog(), runtime.NopLogger())
	parker, _ := newParker()
	c := NewLaneConsumer(&chanReader{}, events.LaneStandard, r, parker, runtime.NopLogger())
	require.NoError(t, c.Handle(context.Background(), kafka.Message{Value: []byte("not json")}))
}
