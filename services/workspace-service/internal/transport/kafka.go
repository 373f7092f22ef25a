// Package transport carries lanes over Kafka: one topic per lane, keyed by
// source id so each aggregate's events stay in one partition.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/kafkax"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/router"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoTopic = errors.New("transport: no topic configured for lane")

// Topics maps each lane to its topic.
type Topics map[events.Lane]string

func DefaultTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "tenantflow"
	}
	return Topics{
		events.LaneCritical:   prefix + ".lane.critical",
		events.LaneStandard:   prefix + ".lane.standard",
		events.LaneBackground: prefix + ".lane.background",
	}
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaLanePublisher is a router.LanePublisher writing to lane topics. A nil
// error means the broker acknowledged the write.
type KafkaLanePublisher struct {
	writer MessageWriter
	topics Topics
}

func NewKafkaLanePublisher(writer MessageWriter, topics Topics) *KafkaLanePublisher {
	return &KafkaLanePublisher{writer: writer, topics: topics}
}

func (p *KafkaLanePublisher) Publish(ctx context.Context, lane events.Lane, env events.Envelope) error {
	topic, ok := p.topics[lane]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTopic, lane)
	}
	value, err := env.Marshal()
	if err != nil {
		return err
	}
	meta := kafkax.EventMeta{
		EventID:        env.EventID,
		EventType:      env.EventType,
		IdempotencyKey: env.IdempotencyKey,
		TraceID:        env.TraceID,
		Lane:           string(lane),
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(env.SourceID),
		Value:   value,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
		Time:    env.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}
	return nil
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type LanePublisher interface {
	PublishToLane(ctx context.Context, lane events.Lane, env events.Envelope) error
}

type DeliveryParker interface {
	ParkDelivery(ctx context.Context, env events.Envelope, attempts int, reason string) (dlq.Entry, bool, error)
}

// LaneConsumer reads one lane topic and fans each message out through the
// router. Offsets are committed only once every subscriber succeeded or the
// failure was parked.
type LaneConsumer struct {
	reader     MessageReader
	lane       events.Lane
	router     LanePublisher
	parker     DeliveryParker
	logger     *slog.Logger
	retryDelay time.Duration
	tracer     trace.Tracer
}

func NewLaneConsumer(reader MessageReader, lane events.Lane, r LanePublisher, parker DeliveryParker, logger *slog.Logger) *LaneConsumer {
	return &LaneConsumer{
		reader:     reader,
		lane:       lane,
		router:     r,
		parker:     parker,
		logger:     logger.With("lane", string(lane)),
		retryDelay: time.Second,
		tracer:     otel.Tracer("kafka"),
	}
}

func (c *LaneConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		for {
			err := c.Handle(ctx, msg)
			if err == nil {
				break
			}
			c.logger.ErrorContext(ctx, "lane message not handled; retrying", "offset", msg.Offset, "err", err)
			if !c.sleep(ctx) {
				return nil
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "kafka commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// Handle delivers one message. A nil return means the offset may be committed.
func (c *LaneConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := c.tracer.Start(ctx, "kafka.consume", trace.WithAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("event.lane", string(c.lane)),
	))
	defer span.End()

	env, err := events.DecodeEnvelope(msg.Value)
	if err != nil {
		// Nothing to park without an envelope; the offset is skipped.
		meta := kafkax.ExtractEventMeta(msg)
		c.logger.ErrorContext(ctx, "undecodable lane message dropped",
			"event_id", meta.EventID, "event_type", meta.EventType, "offset", msg.Offset, "err", err)
		span.RecordError(err)
		return nil
	}

	err = c.router.PublishToLane(ctx, c.lane, env)
	if err == nil {
		return nil
	}
	span.RecordError(err)

	attempts := 1
	var se *router.SubscriberError
	if errors.As(err, &se) {
		attempts = se.Attempts
	}
	_, parked, perr := c.parker.ParkDelivery(ctx, env, attempts, err.Error())
	if perr != nil {
		return fmt.Errorf("park %s: %w", env.EventID, perr)
	}
	c.logger.WarnContext(ctx, "lane delivery parked",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"trace_id", env.TraceID,
		"new_entry", parked,
	)
	return nil
}

func (c *LaneConsumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}
