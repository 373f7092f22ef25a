// Package projection keeps read models current from integration events. Every
// versioned read model goes through the version guard: an event is applied
// only when its version is strictly greater than the last one processed.
package projection

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
)

type Decision int

const (
	Allow Decision = iota + 1
	Discard
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "discard"
}

// Decide is pure: Allow iff eventVersion > lastProcessed.
func Decide(eventVersion, lastProcessed uint64) Decision {
	if eventVersion > lastProcessed {
		return Allow
	}
	return Discard
}

// MetaField holds the VersionRecord inside each read-model document.
const MetaField = "_meta"

type VersionRecord struct {
	LastProcessedVersion uint64    `json:"lastProcessedVersion"`
	TraceID              string    `json:"traceId,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
	// SourceOccurredAt is when the last applied event happened at its source.
	SourceOccurredAt time.Time `json:"sourceOccurredAt"`
}

// Lag is how far the model trailed its source when it was last written.
func (r VersionRecord) Lag() time.Duration {
	if r.SourceOccurredAt.IsZero() || r.UpdatedAt.Before(r.SourceOccurredAt) {
		return 0
	}
	return r.UpdatedAt.Sub(r.SourceOccurredAt)
}

// AgeAt is how far the model trails its source at now. With unapplied source
// changes the model is at least as old as the oldest of them; a caught-up model
// keeps the lag it was written with.
func (r VersionRecord) AgeAt(now, oldestUnapplied time.Time, behind bool) time.Duration {
	age := r.Lag()
	if behind {
		if d := now.Sub(oldestUnapplied); d > age {
			age = d
		}
	}
	return age
}

// RecordOf extracts the version record from a stored document. A document
// without one reads as version 0.
func RecordOf(doc docstore.Doc) VersionRecord {
	var rec VersionRecord
	raw, ok := doc[MetaField]
	if !ok {
		return rec
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return rec
	}
	_ = json.Unmarshal(b, &rec)
	return rec
}

func (r VersionRecord) doc() docstore.Doc {
	return docstore.Doc{
		"lastProcessedVersion": r.LastProcessedVersion,
		"traceId":              r.TraceID,
		"updatedAt":            r.UpdatedAt,
		"sourceOccurredAt":     r.SourceOccurredAt,
	}
}
