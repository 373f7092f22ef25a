// Package consistency decides where a read is served from and how old an
// eventual read may be.
package consistency

import (
	"fmt"
	"time"
)

type ReadPath string

const (
	StrongRead   ReadPath = "STRONG_READ"
	EventualRead ReadPath = "EVENTUAL_READ"
)

// Context describes what a read will be used for.
type Context struct {
	IsFinancial    bool
	IsSecurity     bool
	IsIrreversible bool
}

// Resolve routes financial, security and irreversible decisions to the
// strongly consistent source.
func Resolve(c Context) ReadPath {
	if c.IsFinancial || c.IsSecurity || c.IsIrreversible {
		return StrongRead
	}
	return EventualRead
}

type StalenessTier string

const (
	TierAuthorization StalenessTier = "authorization"
	TierScheduling    StalenessTier = "scheduling"
	TierGeneral       StalenessTier = "general"
	TierTags          StalenessTier = "tags"
)

// Maximum tolerated projection age per tier, in milliseconds.
const (
	MaxAgeAuthorizationMs int64 = 500
	MaxAgeSchedulingMs    int64 = 800
	MaxAgeGeneralMs       int64 = 5000
	MaxAgeTagsMs          int64 = 30000
)

// MaxAge returns the tier's bound. Unknown tiers get the general bound.
func MaxAge(tier StalenessTier) time.Duration {
	return time.Duration(maxAgeMs(tier)) * time.Millisecond
}

func maxAgeMs(tier StalenessTier) int64 {
	switch tier {
	case TierAuthorization:
		return MaxAgeAuthorizationMs
	case TierScheduling:
		return MaxAgeSchedulingMs
	case TierTags:
		return MaxAgeTagsMs
	default:
		return MaxAgeGeneralMs
	}
}

// IsStale reports ageMs > the tier's maximum.
func IsStale(ageMs int64, tier StalenessTier) bool {
	return ageMs > maxAgeMs(tier)
}

func ParseTier(raw string) (StalenessTier, error) {
	switch t := StalenessTier(raw); t {
	case TierAuthorization, TierScheduling, TierGeneral, TierTags:
		return t, nil
	}
	return "", fmt.Errorf("consistency: unknown staleness tier %q", raw)
}
