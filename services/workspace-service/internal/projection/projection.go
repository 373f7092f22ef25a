package projection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
)

var (
	ErrInvalidProjection = errors.New("projection: invalid definition")
	ErrUnknownProjection = errors.New("projection: unknown projection")
	ErrNotVersioned      = errors.New("projection: append-only projections have no version counter")
)

type Kind string

const (
	KindVersioned  Kind = "versioned"
	KindAppendOnly Kind = "append_only"
)

// KeyFunc picks the document an event updates.
type KeyFunc func(env events.Envelope) (string, error)

// BySource keys a versioned model by the envelope's source id.
func BySource(env events.Envelope) (string, error) { return env.SourceID, nil }

// Projection is one read model. Build it with NewVersioned or NewAppendOnly.
type Projection struct {
	name       string
	collection string
	kind       Kind
	eventTypes []string
	key        KeyFunc
	// apply returns the new document body for env given the current one.
	apply func(current docstore.Doc, env events.Envelope) (docstore.Doc, error)
}

func (p Projection) Name() string         { return p.name }
func (p Projection) Collection() string   { return p.collection }
func (p Projection) Kind() Kind           { return p.kind }
func (p Projection) EventTypes() []string { return append([]string(nil), p.eventTypes...) }

// NewVersioned builds a version-guarded projection over state T. apply mutates
// the decoded current state; a missing document starts from the zero T.
func NewVersioned[T any](name, collection string, eventTypes []string, key KeyFunc, apply func(state *T, env events.Envelope) error) (Projection, error) {
	if err := validate(name, collection, eventTypes); err != nil {
		return Projection{}, err
	}
	if key == nil || apply == nil {
		return Projection{}, fmt.Errorf("%w: %s needs a key and an apply func", ErrInvalidProjection, name)
	}
	return Projection{
		name:       name,
		collection: collection,
		kind:       KindVersioned,
		eventTypes: eventTypes,
		key:        key,
		apply: func(current docstore.Doc, env events.Envelope) (docstore.Doc, error) {
			var state T
			if current != nil {
				if err := convert(current, &state); err != nil {
					return nil, err
				}
			}
			if err := apply(&state, env); err != nil {
				return nil, err
			}
			return toDoc(state)
		},
	}, nil
}

// NewAppendOnly builds a projection that writes one document per event, keyed
// by the idempotency key. Redelivery overwrites the same document.
func NewAppendOnly[T any](name, collection string, eventTypes []string, build func(env events.Envelope) (T, error)) (Projection, error) {
	if err := validate(name, collection, eventTypes); err != nil {
		return Projection{}, err
	}
	if build == nil {
		return Projection{}, fmt.Errorf("%w: %s needs a build func", ErrInvalidProjection, name)
	}
	return Projection{
		name:       name,
		collection: collection,
		kind:       KindAppendOnly,
		eventTypes: eventTypes,
		key:        func(env events.Envelope) (string, error) { return env.IdempotencyKey, nil },
		apply: func(_ docstore.Doc, env events.Envelope) (docstore.Doc, error) {
			row, err := build(env)
			if err != nil {
				return nil, err
			}
			return toDoc(row)
		},
	}, nil
}

// MustVersioned and MustAppendOnly panic on invalid definitions. They are meant
// for package-level read-model declarations.
func MustVersioned[T any](name, collection string, eventTypes []string, key KeyFunc, apply func(state *T, env events.Envelope) error) Projection {
	p, err := NewVersioned(name, collection, eventTypes, key, apply)
	if err != nil {
		panic(err)
	}
	return p
}

func MustAppendOnly[T any](name, collection string, eventTypes []string, build func(env events.Envelope) (T, error)) Projection {
	p, err := NewAppendOnly(name, collection, eventTypes, build)
	if err != nil {
		panic(err)
	}
	return p
}

func validate(name, collection string, eventTypes []string) error {
	if name == "" || collection == "" {
		return fmt.Errorf("%w: name and collection are required", ErrInvalidProjection)
	}
	if len(eventTypes) == 0 {
		return fmt.Errorf("%w: %s handles no event types", ErrInvalidProjection, name)
	}
	return nil
}

func convert(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func toDoc(v any) (docstore.Doc, error) {
	var doc docstore.Doc
	if err := convert(v, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: state must encode as an object", ErrInvalidProjection)
	}
	return doc, nil
}
