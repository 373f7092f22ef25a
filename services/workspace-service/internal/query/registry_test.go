package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

var alice = Caller{Subject: "alice", WorkspaceID: "ws-1"}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterQuery("echo", func(_ context.Context, _ Caller, args Args) (any, error) {
		return args.Required("msg")
	}, "returns msg"))
	require.NoError(t, r.RegisterQuery("a.first", func(context.Context, Caller, Args) (any, error) { return 1, nil }, "first"))

	out, err := r.ExecuteQuery(context.Background(), "echo", alice, Args{"msg": " hi "})
	require.NoError(t, err)
	require.Equal(t, "hi", out)

	_, err = r.ExecuteQuery(context.Background(), "echo", alice, nil)
	require.ErrorIs(t, err, ErrMissingArg)

	_, err = r.ExecuteQuery(context.Background(), "echo", Caller{}, Args{"msg": "hi"})
	require.ErrorIs(t, err, ErrAnonymous)

	require.Equal(t, []Description{
		{RouteKey: "a.first", Description: "first"},
		{RouteKey: "echo", Description: "returns msg"},
	}, r.Describe())
}

func TestRegistrationErrors(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, Caller, Args) (any, error) { return nil, nil }
	require.NoError(t, r.RegisterQuery("q", h, ""))
	require.ErrorIs(t, r.RegisterQuery("q", h, ""), ErrDuplicateQuery)
	require.ErrorIs(t, r.RegisterQuery(" ", h, ""), ErrInvalidQuery)
	require.ErrorIs(t, r.RegisterQuery("x", nil, ""), ErrInvalidQuery)

	_, err := r.ExecuteQuery(context.Background(), "missing", alice, nil)
	require.ErrorIs(t, err, ErrUnknownQuery)
}
