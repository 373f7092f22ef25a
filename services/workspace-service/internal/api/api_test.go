package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/auth"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/command"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/query"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/saga"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"github.com/stretchr/testify/require"
)

const secret = "api-test-secret"

type fakeDLQ struct {
	entries  []dlq.Entry
	replayed map[string]string
	frozen   map[string]bool
}

func (f *fakeDLQ) List(_ context.Context, filter dlq.ListFilter) ([]dlq.Entry, error) {
	var out []dlq.Entry
	for _, e := range f.entries {
		if filter.Tier == "" || e.Tier == filter.Tier {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDLQ) Replay(_ context.Context, id, operator string) (string, error) {
	if _, ok := f.replayed[id]; ok {
		return "", dlq.ErrAlreadyReplayed
	}
	for _, e := range f.entries {
		if e.ID == id {
			f.replayed[id] = operator
			return "ob-" + id, nil
		}
	}
	return "", dlq.ErrNotFound
}

func (f *fakeDLQ) Unfreeze(_ context.Context, aggregateID, _ string) error {
	if !f.frozen[aggregateID] {
		return dlq.ErrNotFrozen
	}
	delete(f.frozen, aggregateID)
	return nil
}

func (f *fakeDLQ) Freezes(context.Context) ([]dlq.Freeze, error) {
	var out []dlq.Freeze
	for id := range f.frozen {
		out = append(out, dlq.Freeze{AggregateID: id})
	}
	return out, nil
}

type sagaMap map[string]saga.State

func (m sagaMap) Get(_ context.Context, id string) (saga.State, error) {
	st, ok := m[id]
	if !ok {
		return saga.State{}, saga.ErrNotFound
	}
	return st, nil
}

func newServer(t *testing.T) (*httptest.Server, *fakeDLQ) {
	t.Helper()
	g := command.NewGateway(runtime.NopLogger())
	require.NoError(t, g.Register("echo", func(_ context.Context, c command.Caller, payload json.RawMessage) (any, error) {
		return map[string]string{"subject": c.Subject, "payload": string(payload)}, nil
	}))
	require.NoError(t, g.Register("reject", func(context.Context, command.Caller, json.RawMessage) (any, error) {
		return nil, command.NewError(command.CodeForbidden, "nope")
	}))
	q := query.NewRegistry()
	require.NoError(t, q.RegisterQuery("hello", func(_ context.Context, _ query.Caller, args query.Args) (any, error) {
		return args.Required("name")
	}, "greets"))
	require.NoError(t, q.RegisterQuery("workspace.private", func(_ context.Context, c query.Caller, args query.Args) (any, error) {
		if args.Get("workspaceId") != c.WorkspaceID {
			return nil, workspace.ErrForbidden
		}
		return c.Subject, nil
	}, "own workspace only"))

	d := &fakeDLQ{
		entries:  []dlq.Entry{{ID: "d-1", Tier: "SECURITY_BLOCK"}, {ID: "d-2", Tier: "SAFE_AUTO"}},
		replayed: map[string]string{},
		frozen:   map[string]bool{"ws-1/m-1": true},
	}
	mux := http.NewServeMux()
	Register(mux, Deps{
		Commands: g,
		Queries:  q,
		DLQ:      d,
		Sagas:    sagaMap{"saga:s-1": {SagaID: "saga:s-1", Status: saga.StatusCompleted}},
		Verifier: auth.HS256Verifier{Secret: secret},
		Logger:   runtime.NopLogger(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, d
}

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	tok, err := auth.SignHS256(auth.Claims{Sub: sub, WorkspaceID: "ws-1", Roles: roles, Exp: time.Now().Add(time.Hour).Unix()}, secret)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, method, url, tok, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestCommandsRequireBearer(t *testing.T) {
	srv, _ := newServer(t)
	status, body := do(t, http.MethodPost, srv.URL+"/v1/commands/echo", "", `{}`)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "UNAUTHENTICATED", body["code"])

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/commands/echo", "garbage", `{}`)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestCommandResultMapsToStatus(t *testing.T) {
	srv, _ := newServer(t)
	tok := token(t, "u-1", "owner")

	status, body := do(t, http.MethodPost, srv.URL+"/v1/commands/echo", tok, `{"x":1}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])
	data := body["data"].(map[string]any)
	require.Equal(t, "u-1", data["subject"])

	status, body = do(t, http.MethodPost, srv.URL+"/v1/commands/reject", tok, `{}`)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "FORBIDDEN", body["code"])

	status, body = do(t, http.MethodPost, srv.URL+"/v1/commands/missing", tok, `{}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "UNKNOWN_COMMAND", body["code"])
}

func TestQueries(t *testing.T) {
	srv, _ := newServer(t)
	tok := token(t, "u-1")

	status, body := do(t, http.MethodGet, srv.URL+"/v1/queries/hello?name=ada", tok, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ada", body["result"])

	status, _ = do(t, http.MethodGet, srv.URL+"/v1/queries/hello", tok, "")
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, http.MethodGet, srv.URL+"/v1/queries/nope", tok, "")
	require.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodGet, srv.URL+"/v1/queries/workspace.private?workspaceId=ws-1", tok, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "u-1", body["result"], "the caller comes from the credential")
	status, _ = do(t, http.MethodGet, srv.URL+"/v1/queries/workspace.private?workspaceId=ws-2", tok, "")
	require.Equal(t, http.StatusForbidden, status)

	status, body = do(t, http.MethodGet, srv.URL+"/v1/queries", tok, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["queries"], 2)
}

func TestOperatorRoutesNeedOperatorRole(t *testing.T) {
	srv, d := newServer(t)
	status, _ := do(t, http.MethodGet, srv.URL+"/v1/dlq", token(t, "u-1", "owner"), "")
	require.Equal(t, http.StatusForbidden, status)

	op := token(t, "ops-1", OperatorRole)
	status, body := do(t, http.MethodGet, srv.URL+"/v1/dlq?tier=SECURITY_BLOCK", op, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["entries"], 1)

	status, _ = do(t, http.MethodGet, srv.URL+"/v1/dlq?tier=LOUD", op, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPost, srv.URL+"/v1/dlq/d-2/replay", op, "")
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "ob-d-2", body["outboxId"])
	require.Equal(t, "ops-1", d.replayed["d-2"])

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/dlq/d-2/replay", op, "")
	require.Equal(t, http.StatusConflict, status)
	status, _ = do(t, http.MethodPost, srv.URL+"/v1/dlq/d-9/replay", op, "")
	require.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodGet, srv.URL+"/v1/dlq/freezes", op, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["freezes"], 1)
	status, _ = do(t, http.MethodPost, srv.URL+"/v1/dlq/freezes/ws-1%2Fm-1/unfreeze", op, "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, d.frozen)

	status, body = do(t, http.MethodGet, srv.URL+"/v1/sagas/saga:s-1", op, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "completed", body["status"])
	status, _ = do(t, http.MethodGet, srv.URL+"/v1/sagas/saga:none", op, "")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/v1/metrics", op, "")
	require.Equal(t, http.StatusOK, status)
}
