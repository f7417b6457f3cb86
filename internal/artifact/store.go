// Package artifact records which content each stage produced for each
// artifact kind, and keeps the content itself in a content-addressed object
// store.
//
// A record is immutable. Recording a new hash for a (stage, kind) pair
// appends to its history and moves the current pointer; recording the hash
// that is already current is a no-op.
package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a (stage, kind) pair has never been recorded.
var ErrNotFound = errors.New("artifact not found")

// Record is one version of an artifact.
type Record struct {
	// Stage is the producing stage, or core.SourceProducer for flow sources.
	Stage string
	Kind  string

	// Hash is the content identity used for staleness decisions. For
	// normalized outputs it is computed over the normalized bytes.
	Hash string

	// Object is the object-store id holding the raw content. It is empty
	// for sources, which stay where the user keeps them.
	Object string

	// Location is the workspace path the artifact lives at, relative to the
	// flow work directory.
	Location string

	RecordedAt time.Time
}

// Key identifies an artifact slot.
type Key struct {
	Stage string
	Kind  string
}

// Key returns the slot the record belongs to.
func (r Record) Key() Key { return Key{Stage: r.Stage, Kind: r.Kind} }

// Store is the artifact index. Implementations must be safe for concurrent use.
type Store interface {
	// Record makes rec the current version of its slot.
	Record(ctx context.Context, rec Record) error

	// RecordAll records several artifacts atomically: either all become
	// current or none do. A stage's outputs are published this way.
	RecordAll(ctx context.Context, recs []Record) error

	// Current returns the current record of a slot, or ErrNotFound.
	Current(ctx context.Context, stage, kind string) (Record, error)

	// CurrentHash returns the current hash of a slot, or ErrNotFound.
	CurrentHash(ctx context.Context, stage, kind string) (string, error)

	// IsStale reports whether the slot's current hash differs from sinceHash.
	// A slot that was never recorded is stale.
	IsStale(ctx context.Context, stage, kind, sinceHash string) (bool, error)

	// History returns every recorded version of a slot, oldest first.
	History(ctx context.Context, stage, kind string) ([]Record, error)

	Close() error
}
