package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header keys carried on every lane message.
const (
	HeaderEventID        = "event_id"
	HeaderEventType      = "event_type"
	HeaderIdempotencyKey = "idempotency_key"
	HeaderTraceID        = "trace_id"
	HeaderLane           = "lane"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
type EventMeta struct {
	EventID        string
	EventType      string
	IdempotencyKey string
	TraceID        string
	Lane           string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:        HeaderValue(msg.Headers, HeaderEventID),
		EventType:      HeaderValue(msg.Headers, HeaderEventType),
		IdempotencyKey: HeaderValue(msg.Headers, HeaderIdempotencyKey),
		TraceID:        HeaderValue(msg.Headers, HeaderTraceID),
		Lane:           HeaderValue(msg.Headers, HeaderLane),
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func (m EventMeta) Headers() []kafka.Header {
	var headers []kafka.Header
	add := func(k, v string) {
		if v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	add(HeaderEventID, m.EventID)
	add(HeaderEventType, m.EventType)
	add(HeaderIdempotencyKey, m.IdempotencyKey)
	add(HeaderTraceID, m.TraceID)
	add(HeaderLane, m.Lane)
	return headers
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
