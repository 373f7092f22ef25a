package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookSender posts payloads to a push gateway. Calls go through a circuit
// breaker so a failing gateway is not hammered by every projection change.
type WebhookSender struct {
	url   string
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
}

type WebhookConfig struct {
	URL              string
	Token            string
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "push-webhook",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &WebhookSender{
		url:   strings.TrimSpace(cfg.URL),
		token: strings.TrimSpace(cfg.Token),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cb: cb,
	}
}

type webhookBody struct {
	Target  string  `json:"target"`
	Payload Payload `json:"payload"`
}

func (s *WebhookSender) Send(ctx context.Context, target string, payload Payload) error {
	if target == "" {
		return ErrNoTarget
	}
	if s.url == "" {
		return errors.New("push webhook url not configured")
	}
	raw, err := json.Marshal(webhookBody{Target: target, Payload: withTrace(ctx, payload)})
	if err != nil {
		return err
	}
	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, raw)
	})
	return err
}

func (s *WebhookSender) post(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSender) State() gobreaker.State {
	return s.cb.State()
}
