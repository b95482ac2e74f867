// Package snapshot implements snapshot based acceleration of aggregate
// state reconstruction - a pluggable should-snapshot strategy, a
// compressing durable store wrapper and a bounded LRU cache of
// ready-to-use states.
// Snapshots are derived data - they can be deleted and regenerated at any
// time since the event log remains the source of truth
package snapshot

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSnapshotNotFound indicates that no usable snapshot exists for
	// the requested stream (and version bound)
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotIntegrity indicates that a stored snapshot could not be
	// decompressed or loaded. Callers should fall back to full replay -
	// snapshots are an optimization, never required for correctness
	ErrSnapshotIntegrity = errors.New("snapshot integrity check failed")
)

// Snapshot represents a fold of all events of one stream up to Version.
// State is the serialized aggregate state - uncompressed in the cache,
// compressed at rest (the Manager converts between the two)
type Snapshot struct {
	StreamID string
	Version  int
	State    []byte
	TakenAt  time.Time
	Strategy string
}

// Store provides durable snapshot persistence. Multiple snapshots per
// stream may coexist - Load returns the latest one with
// version <= upToVersion (any version if upToVersion is 0) or
// ErrSnapshotNotFound
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, streamID string, upToVersion int) (*Snapshot, error)
}
