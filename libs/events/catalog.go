package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Lane string

const (
	LaneCritical   Lane = "CRITICAL_LANE"
	LaneStandard   Lane = "STANDARD_LANE"
	LaneBackground Lane = "BACKGROUND_LANE"
)

// Lanes lists every lane in priority order.
func Lanes() []Lane { return []Lane{LaneCritical, LaneStandard, LaneBackground} }

func (l Lane) Valid() bool {
	switch l {
	case LaneCritical, LaneStandard, LaneBackground:
		return true
	}
	return false
}

// Tier is the declared escalation policy for an event type whose delivery keeps failing.
type Tier string

const (
	TierSafeAuto       Tier = "SAFE_AUTO"
	TierReviewRequired Tier = "REVIEW_REQUIRED"
	TierSecurityBlock  Tier = "SECURITY_BLOCK"
)

func (t Tier) Valid() bool {
	switch t {
	case TierSafeAuto, TierReviewRequired, TierSecurityBlock:
		return true
	}
	return false
}

var (
	ErrUnregisteredEventType = errors.New("events: unregistered event type")
	ErrConflictingDefinition = errors.New("events: conflicting event definition")
	ErrInvalidDefinition     = errors.New("events: invalid event definition")
)

// Definition is the contract-level declaration for one event type.
type Definition struct {
	Type        string `yaml:"type"`
	Lane        Lane   `yaml:"lane"`
	Tier        Tier   `yaml:"tier"`
	Description string `yaml:"description"`
}

// Catalog is the explicit registry of event types. Lookups fail closed: a type
// that was never registered has no lane and no tier.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewCatalog() *Catalog {
	return &Catalog{defs: map[string]Definition{}}
}

// Register adds d. Registering the same type again is allowed only with an
// identical lane and tier.
func (c *Catalog) Register(d Definition) error {
	if d.Type == "" || !d.Lane.Valid() || !d.Tier.Valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidDefinition, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.defs[d.Type]; ok {
		if prev.Lane != d.Lane || prev.Tier != d.Tier {
			return fmt.Errorf("%w: %s declared %s/%s, got %s/%s",
				ErrConflictingDefinition, d.Type, prev.Lane, prev.Tier, d.Lane, d.Tier)
		}
		return nil
	}
	c.defs[d.Type] = d
	return nil
}

func (c *Catalog) MustRegister(defs ...Definition) *Catalog {
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			panic(err)
		}
	}
	return c
}

func (c *Catalog) Lookup(eventType string) (Definition, error) {
	c.mu.RLock()
	d, ok := c.defs[eventType]
	c.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnregisteredEventType, eventType)
	}
	return d, nil
}

func (c *Catalog) Classify(eventType string) (Lane, error) {
	d, err := c.Lookup(eventType)
	if err != nil {
		return "", err
	}
	return d.Lane, nil
}

func (c *Catalog) TierOf(eventType string) (Tier, error) {
	d, err := c.Lookup(eventType)
	if err != nil {
		return "", err
	}
	return d.Tier, nil
}

// Definitions returns every declaration sorted by type.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// TypesInLane returns the registered types routed through lane, sorted.
func (c *Catalog) TypesInLane(lane Lane) []string {
	var out []string
	for _, d := range c.Definitions() {
		if d.Lane == lane {
			out = append(out, d.Type)
		}
	}
	return out
}
