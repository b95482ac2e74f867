// Package projection maintains read models derived from the event log.
// A Builder applies registered per-event-type handlers incrementally,
// while a Subscription drives a builder through catch-up replay followed
// by live tailing of the event store feed, checkpointing as it goes.
// Projections are fully rebuildable by replaying events from position 0
package projection

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrProjectionNotFound indicates that no document exists for the
	// requested projection id
	ErrProjectionNotFound = errors.New("projection not found")

	// ErrCheckpointNotFound indicates that a subscription has no stored
	// checkpoint yet and should start from position 0
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCatchUpFailed indicates that historical replay kept failing past
	// the configured attempt budget - the subscription never transitioned
	// to live processing
	ErrCatchUpFailed = errors.New("subscription catch-up failed")
)

// Projection is a read model document. Version increments once per
// successfully handled event and Data is only ever mutated through a
// Builder - never directly by readers
type Projection struct {
	ID              string
	Version         int
	LastEventID     string
	LastProcessedAt time.Time
	Data            []byte
}

// Filter narrows Query and Count results
type Filter struct {
	// IDPrefix matches documents whose id starts with the prefix
	// (empty matches all)
	IDPrefix string

	// MinVersion matches documents at or above the version (0 matches all)
	MinVersion int
}

// Page is offset based pagination for Query
type Page struct {
	Limit  int
	Offset int
}

// Store provides durable projection persistence. The Builder is the only
// writer of projection documents. Each call is assumed atomic - the core
// provides no cross-store transactions between the log and projections
type Store interface {
	Get(ctx context.Context, id string) (*Projection, error)
	Save(ctx context.Context, p Projection) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, f Filter, page Page) ([]Projection, error)
	Count(ctx context.Context, f Filter) (int64, error)
}

// NewInMemoryStore constructs an in-memory projection store, useful for
// tests and for projections that are rebuilt on startup anyway
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]Projection),
	}
}

// InMemoryStore is a map backed projection store safe for concurrent use
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Projection
}

// Get implements Store
func (s *InMemoryStore) Get(_ context.Context, id string) (*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.docs[id]
	if !ok {
		return nil, ErrProjectionNotFound
	}

	return &p, nil
}

// Save implements Store
func (s *InMemoryStore) Save(_ context.Context, p Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[p.ID] = p

	return nil
}

// Delete implements Store
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, id)

	return nil
}

// Query implements Store. Results are ordered by id
func (s *InMemoryStore) Query(_ context.Context, f Filter, page Page) ([]Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.match(f)

	if page.Offset > 0 {
		if page.Offset >= len(matched) {
			return nil, nil
		}

		matched = matched[page.Offset:]
	}

	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}

	return matched, nil
}

// Count implements Store
func (s *InMemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.match(f))), nil
}

func (s *InMemoryStore) match(f Filter) []Projection {
	out := make([]Projection, 0, len(s.docs))

	for _, p := range s.docs {
		if f.IDPrefix != "" && !strings.HasPrefix(p.ID, f.IDPrefix) {
			continue
		}

		if f.MinVersion > 0 && p.Version < f.MinVersion {
			continue
		}

		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}
