package aggregate

import (
	"context"
	"errors"

	"github.com/aneshas/sourcing"
)

// EventStore represents the event store surface the aggregate store needs
type EventStore interface {
	EventReader

	AppendStream(ctx context.Context, stream string, expectedVer int, events []sourcing.EventToStore, opts ...sourcing.AppendStreamOpt) error
}

// NewStore constructs a new event sourced aggregate store
func NewStore[T any](es EventStore, rec *Reconstructor[T]) *Store[T] {
	return &Store[T]{
		es:  es,
		rec: rec,
	}
}

// Store represents an event sourced aggregate store - a convenience
// wrapper that pairs reconstruction with optimistic appends
type Store[T any] struct {
	es  EventStore
	rec *Reconstructor[T]
}

// ByID reconstructs the aggregate state by its stream id.
// sourcing.ErrStreamNotFound is returned when no events were ever
// appended for the id
func (s *Store[T]) ByID(ctx context.Context, id string) (*Result[T], error) {
	res, err := s.rec.Reconstruct(ctx, id)
	if err != nil {
		return nil, err
	}

	if res.Version == 0 {
		return nil, sourcing.ErrStreamNotFound
	}

	return res, nil
}

// Save appends the provided events to the aggregate stream using the
// reconstructed version as the optimistic concurrency expectation
func (s *Store[T]) Save(ctx context.Context, id string, expectedVer int, events []sourcing.EventToStore) error {
	return s.es.AppendStream(ctx, id, expectedVer, events)
}

// Exec loads the aggregate, lets the command decide which events to emit
// based on the current state, and appends them with the loaded version as
// the concurrency expectation. A stream that does not exist yet is
// handed to the command as the initial state at version 0.
// On sourcing.ErrConcurrencyCheckFailed the caller should reload and
// retry - the store never retries on its own
func (s *Store[T]) Exec(
	ctx context.Context,
	id string,
	cmd func(state T, version int) ([]sourcing.EventToStore, error)) error {

	res, err := s.ByID(ctx, id)
	if err != nil {
		if !errors.Is(err, sourcing.ErrStreamNotFound) {
			return err
		}

		res = &Result[T]{
			State:   s.rec.cfg.initial(),
			Version: sourcing.InitialStreamVersion,
		}
	}

	events, err := cmd(res.State, res.Version)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	return s.Save(ctx, id, res.Version, events)
}
