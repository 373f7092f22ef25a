package relay

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
)

type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 500 * time.Millisecond, Multiplier: 2, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before attempt number attempts+1.
func (c BackoffConfig) Delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.Initial,
		RandomizationFactor: c.Jitter,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.Max,
	}
	b.Reset()
	if attempts < 1 {
		attempts = 1
	}
	// The interval saturates at Max long before this bound.
	if attempts > 64 {
		attempts = 64
	}
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

type Action int

const (
	ActionRetry Action = iota + 1
	ActionPark
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionPark:
		return "park"
	}
	return "unknown"
}

// Policy maps a failed attempt to what happens next, per declared tier.
type Policy struct {
	// ReviewMaxAttempts bounds REVIEW_REQUIRED retries. SAFE_AUTO records pass
	// it without parking; it only marks where a warning is logged.
	ReviewMaxAttempts int
	Backoff           BackoffConfig
}

func DefaultPolicy() Policy {
	return Policy{ReviewMaxAttempts: 5, Backoff: DefaultBackoff()}
}

type Decision struct {
	Action Action
	Delay  time.Duration
	// Warn is set on the attempt where a SAFE_AUTO record crosses the standard bound.
	Warn bool
}

// Decide is called after attempt number attempts failed with err.
func (p Policy) Decide(tier events.Tier, attempts int, err error) Decision {
	if IsPermanent(err) {
		return Decision{Action: ActionPark}
	}
	switch tier {
	case events.TierSecurityBlock:
		return Decision{Action: ActionPark}
	case events.TierReviewRequired:
		if attempts >= p.ReviewMaxAttempts {
			return Decision{Action: ActionPark}
		}
	case events.TierSafeAuto:
		return Decision{Action: ActionRetry, Delay: p.Backoff.Delay(attempts), Warn: attempts == p.ReviewMaxAttempts}
	default:
		// Unknown tier on a stored row: treat as undeliverable rather than guess.
		return Decision{Action: ActionPark}
	}
	return Decision{Action: ActionRetry, Delay: p.Backoff.Delay(attempts)}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that no retry can fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports errors marked with Permanent and fail-closed routing errors.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) ||
		errors.Is(err, events.ErrUnregisteredEventType) ||
		errors.Is(err, events.ErrInvalidEnvelope) ||
		errors.Is(err, events.ErrIdempotencyKeyDrift)
}
