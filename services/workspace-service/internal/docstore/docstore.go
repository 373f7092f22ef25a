// Package docstore is a small document database port: JSON documents grouped
// in collections, transactional read-modify-write, and a change feed.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrInvalidDocument = errors.New("docstore: invalid document")
	ErrUnsupportedOp   = errors.New("docstore: unsupported filter operator")
)

// Doc is a JSON object. Values come back as decoded by encoding/json, so
// numbers are float64 unless the caller re-decodes into a typed struct.
type Doc map[string]any

type Snapshot struct {
	ID   string
	Data Doc
}

// Decode unmarshals the snapshot into v.
func (s Snapshot) Decode(v any) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type Op string

const (
	OpEq       Op = "=="
	OpContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Change is delivered after the write that caused it committed.
type Change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

type ChangeFunc func(ctx context.Context, c Change)

// Store operations called inside RunTransaction join that transaction and
// read their own writes.
type Store interface {
	Get(ctx context.Context, collection, id string) (Snapshot, error)
	// Set replaces the document, or merges top-level fields when merge is true.
	Set(ctx context.Context, collection, id string, doc Doc, merge bool) error
	// Update merges patch into an existing document; ErrNotFound otherwise.
	Update(ctx context.Context, collection, id string, patch Doc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// Subscribe calls fn for every committed change in collection until the
	// returned func is called.
	Subscribe(collection string, fn ChangeFunc) (unsubscribe func())
}

// normalize round-trips doc through JSON so in-memory values compare the way
// stored ones do.
func normalize(doc Doc) (Doc, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var out Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

func merge(dst, patch Doc) Doc {
	out := make(Doc, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func matches(doc Doc, filters []Filter) (bool, error) {
	for _, f := range filters {
		want, err := normalizeValue(f.Value)
		if err != nil {
			return false, err
		}
		got, ok := doc[f.Field]
		switch f.Op {
		case OpEq:
			if !ok || !reflect.DeepEqual(got, want) {
				return false, nil
			}
		case OpContains:
			list, isList := got.([]any)
			if !ok || !isList || !containsValue(list, want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("%w: %q", ErrUnsupportedOp, f.Op)
		}
	}
	return true, nil
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}
