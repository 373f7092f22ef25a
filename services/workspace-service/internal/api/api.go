// Package api exposes the command gateway, the query registry and the
// operator surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/tenantflow/libs/auth"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/httpx"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/command"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/query"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/readside"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/saga"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
)

// OperatorRole is the credential role required by operator routes.
const OperatorRole = "operator"

type DLQOperator interface {
	List(ctx context.Context, f dlq.ListFilter) ([]dlq.Entry, error)
	Replay(ctx context.Context, entryID, operator string) (string, error)
	Unfreeze(ctx context.Context, aggregateID, operator string) error
	Freezes(ctx context.Context) ([]dlq.Freeze, error)
}

type SagaReader interface {
	Get(ctx context.Context, sagaID string) (saga.State, error)
}

type Deps struct {
	Commands *command.Gateway
	Queries  *query.Registry
	DLQ      DLQOperator
	Sagas    SagaReader
	Verifier auth.Verifier
	Logger   *slog.Logger
}

type handler struct {
	Deps
}

// Register adds the service routes to mux.
func Register(mux *http.ServeMux, d Deps) {
	h := handler{d}
	authn := func(fn http.HandlerFunc) http.Handler { return h.authenticate(fn) }
	operator := func(fn http.HandlerFunc) http.Handler { return h.authenticate(h.requireRole(OperatorRole, fn)) }

	mux.Handle("POST /v1/commands/{name}", authn(h.command))
	mux.Handle("GET /v1/queries", authn(h.describeQueries))
	mux.Handle("GET /v1/queries/{routeKey}", authn(h.query))

	mux.Handle("GET /v1/dlq", operator(h.listDLQ))
	mux.Handle("POST /v1/dlq/{id}/replay", operator(h.replay))
	mux.Handle("GET /v1/dlq/freezes", operator(h.freezes))
	mux.Handle("POST /v1/dlq/freezes/{aggregateId}/unfreeze", operator(h.unfreeze))
	mux.Handle("GET /v1/sagas/{id}", operator(h.saga))
	mux.Handle("GET /v1/metrics", operator(h.counters))
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

func (h handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, string(command.CodeUnauthenticated), "missing bearer token")
			return
		}
		claims, err := h.Verifier.Verify(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, string(command.CodeUnauthenticated), "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = httpx.ContextWithSubject(ctx, claims.Sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h handler) requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := claimsFrom(r.Context()); c == nil || !c.HasRole(role) {
			httpx.WriteError(w, http.StatusForbidden, string(command.CodeForbidden), role+" role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var commandStatus = map[command.Code]int{
	command.CodeOK:                 http.StatusOK,
	command.CodeUnauthenticated:    http.StatusUnauthorized,
	command.CodeForbidden:          http.StatusForbidden,
	command.CodeInvalidInput:       http.StatusBadRequest,
	command.CodeNotFound:           http.StatusNotFound,
	command.CodeConflict:           http.StatusConflict,
	command.CodeInsufficientCredit: http.StatusUnprocessableEntity,
	command.CodeUnknownCommand:     http.StatusNotFound,
	command.CodeRateLimited:        http.StatusTooManyRequests,
	command.CodeUnavailable:        http.StatusServiceUnavailable,
}

func (h handler) command(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(command.CodeInvalidInput), "unreadable body")
		return
	}
	c := claimsFrom(r.Context())
	ctx := r.Context()
	if tid := r.Header.Get("X-Trace-Id"); tid != "" {
		ctx = events.WithTraceID(ctx, tid)
	}
	res := h.Commands.Execute(ctx, r.PathValue("name"), command.Caller{
		Subject:     c.Sub,
		WorkspaceID: c.WorkspaceID,
		Roles:       c.Roles,
	}, json.RawMessage(payload))
	status, ok := commandStatus[res.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	httpx.WriteJSON(w, status, res)
}

func (h handler) describeQueries(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"queries": h.Queries.Describe()})
}

func (h handler) query(w http.ResponseWriter, r *http.Request) {
	args := query.Args{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	c := claimsFrom(r.Context())
	out, err := h.Queries.ExecuteQuery(r.Context(), r.PathValue("routeKey"), query.Caller{
		Subject:     c.Sub,
		WorkspaceID: c.WorkspaceID,
		Roles:       c.Roles,
	}, args)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "result": out})
}

func (h handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := dlq.ListFilter{IncludeReplayed: q.Get("includeReplayed") == "true"}
	if t := q.Get("tier"); t != "" {
		tier := events.Tier(t)
		if !tier.Valid() {
			httpx.WriteError(w, http.StatusBadRequest, string(command.CodeInvalidInput), "unknown tier")
			return
		}
		f.Tier = tier
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, string(command.CodeInvalidInput), "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	entries, err := h.DLQ.List(r.Context(), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h handler) replay(w http.ResponseWriter, r *http.Request) {
	outboxID, err := h.DLQ.Replay(r.Context(), r.PathValue("id"), claimsFrom(r.Context()).Sub)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true, "outboxId": outboxID})
}

func (h handler) freezes(w http.ResponseWriter, r *http.Request) {
	fz, err := h.DLQ.Freezes(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"freezes": fz})
}

func (h handler) unfreeze(w http.ResponseWriter, r *http.Request) {
	if err := h.DLQ.Unfreeze(r.Context(), r.PathValue("aggregateId"), claimsFrom(r.Context()).Sub); err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h handler) saga(w http.ResponseWriter, r *http.Request) {
	st, err := h.Sagas.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (h handler) counters(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"counters": metrics.Snapshot()})
}

func (h handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrUnknownQuery), errors.Is(err, readside.ErrNotFound),
		errors.Is(err, dlq.ErrNotFound), errors.Is(err, saga.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, string(command.CodeNotFound), err.Error())
	case errors.Is(err, query.ErrAnonymous):
		httpx.WriteError(w, http.StatusUnauthorized, string(command.CodeUnauthenticated), err.Error())
	case errors.Is(err, workspace.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, string(command.CodeForbidden), "forbidden")
	case errors.Is(err, query.ErrMissingArg), errors.Is(err, query.ErrInvalidArg):
		httpx.WriteError(w, http.StatusBadRequest, string(command.CodeInvalidInput), err.Error())
	case errors.Is(err, dlq.ErrAlreadyReplayed), errors.Is(err, dlq.ErrAggregateFrozen), errors.Is(err, dlq.ErrNotFrozen):
		httpx.WriteError(w, http.StatusConflict, string(command.CodeConflict), err.Error())
	default:
		h.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, string(command.CodeInternal), "internal error")
	}
}
