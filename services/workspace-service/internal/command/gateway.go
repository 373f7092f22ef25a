// Package command is the single entry point for mutating calls. It checks the
// caller and the rate budget, runs the handler, and turns every outcome into a
// Result. Nothing a handler does, panics included, escapes as a raw error.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/md-rashed-zaman/tenantflow/libs/httpx"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDuplicateCommand = errors.New("command: already registered")
	ErrInvalidCommand   = errors.New("command: invalid registration")
)

type Result struct {
	OK      bool   `json:"ok"`
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Caller is the authenticated principal behind a command.
type Caller struct {
	Subject     string
	WorkspaceID string
	Roles       []string
}

type Handler func(ctx context.Context, caller Caller, payload json.RawMessage) (any, error)

// Classifier maps a handler error to a result code. ok is false when the
// classifier does not recognise err.
type Classifier func(err error) (code Code, ok bool)

type Option func(*Gateway)

// WithLimiter budgets commands per caller subject.
func WithLimiter(l httpx.Limiter) Option { return func(g *Gateway) { g.limiter = l } }

func WithClassifier(c Classifier) Option { return func(g *Gateway) { g.classifiers = append(g.classifiers, c) } }

type Gateway struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	limiter     httpx.Limiter
	classifiers []Classifier
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewGateway(logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{handlers: map[string]Handler{}, logger: logger, tracer: otel.Tracer("command")}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return ErrInvalidCommand
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	g.handlers[name] = h
	return nil
}

func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.handlers))
	for n := range g.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Execute runs the named command for caller.
func (g *Gateway) Execute(ctx context.Context, name string, caller Caller, payload json.RawMessage) (res Result) {
	ctx, span := g.tracer.Start(ctx, "command.execute", trace.WithAttributes(attribute.String("command.name", name)))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "command handler panic",
				"command", name, "subject", caller.Subject, "panic", rec, "stack", string(debug.Stack()))
			res = g.fail(ctx, name, NewError(CodeInternal, "internal error"))
		}
		span.SetAttributes(attribute.String("command.code", string(res.Code)))
	}()

	if strings.TrimSpace(caller.Subject) == "" {
		return g.fail(ctx, name, NewError(CodeUnauthenticated, "authentication required"))
	}
	g.mu.RLock()
	h, ok := g.handlers[name]
	g.mu.RUnlock()
	if !ok {
		return g.fail(ctx, name, NewError(CodeUnknownCommand, "unknown command "+name))
	}
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, "cmd:"+caller.Subject)
		if err != nil {
			g.logger.WarnContext(ctx, "command rate limiter error", "err", err)
			return g.fail(ctx, name, Wrap(CodeUnavailable, "rate limiter unavailable", err))
		}
		if !allowed {
			return g.fail(ctx, name, NewError(CodeRateLimited, "rate limit exceeded"))
		}
	}

	data, err := h(ctx, caller, payload)
	if err != nil {
		span.RecordError(err)
		return g.fail(ctx, name, err)
	}
	metrics.Inc(ctx, metrics.CommandsExecuted, attribute.String("command", name))
	return Result{OK: true, Code: CodeOK, Data: data}
}

func (g *Gateway) fail(ctx context.Context, name string, err error) Result {
	cerr := g.classify(err)
	metrics.Inc(ctx, metrics.CommandsRejected, attribute.String("command", name), attribute.String("code", string(cerr.Code)))
	if cerr.Code == CodeInternal {
		g.logger.ErrorContext(ctx, "command failed", "command", name, "err", err)
	} else {
		g.logger.InfoContext(ctx, "command rejected", "command", name, "code", cerr.Code, "err", err)
	}
	return Result{OK: false, Code: cerr.Code, Message: cerr.Message}
}

func (g *Gateway) classify(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	for _, c := range g.classifiers {
		if code, ok := c(err); ok {
			return &Error{Code: code, Message: err.Error(), Cause: err}
		}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(CodeInvalidInput, "malformed payload", err)
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Decode unmarshals payload into v, rejecting unknown fields.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return NewError(CodeInvalidInput, "payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Wrap(CodeInvalidInput, "malformed payload", err)
	}
	return nil
}
