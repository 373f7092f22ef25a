// Package query is the read entry point: named handlers registered by the
// read side and executed by route key.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownQuery   = errors.New("query: unknown route key")
	ErrDuplicateQuery = errors.New("query: route key already registered")
	ErrInvalidQuery   = errors.New("query: invalid registration")
	ErrMissingArg     = errors.New("query: missing argument")
	ErrInvalidArg     = errors.New("query: invalid argument")
	ErrAnonymous      = errors.New("query: anonymous caller")
)

// Caller is the authenticated subject a query runs for. Handlers scope their
// answer to what the caller may see.
type Caller struct {
	Subject     string
	WorkspaceID string
	Roles       []string
}

// Args are the named arguments of one query call.
type Args map[string]string

// Required returns the named argument or ErrMissingArg.
func (a Args) Required(name string) (string, error) {
	v := strings.TrimSpace(a[name])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, name)
	}
	return v, nil
}

func (a Args) Get(name string) string { return strings.TrimSpace(a[name]) }

type Handler func(ctx context.Context, caller Caller, args Args) (any, error)

type Description struct {
	RouteKey    string `json:"routeKey"`
	Description string `json:"description"`
}

type entry struct {
	handler     Handler
	description string
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

func (r *Registry) RegisterQuery(routeKey string, h Handler, description string) error {
	routeKey = strings.TrimSpace(routeKey)
	if routeKey == "" || h == nil {
		return ErrInvalidQuery
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[routeKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQuery, routeKey)
	}
	r.entries[routeKey] = entry{handler: h, description: description}
	return nil
}

func (r *Registry) ExecuteQuery(ctx context.Context, routeKey string, caller Caller, args Args) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[routeKey]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, routeKey)
	}
	if caller.Subject == "" {
		return nil, ErrAnonymous
	}
	if args == nil {
		args = Args{}
	}
	return e.handler(ctx, caller, args)
}

// Describe lists registered queries sorted by route key.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, Description{RouteKey: k, Description: e.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteKey < out[j].RouteKey })
	return out
}
