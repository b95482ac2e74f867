// Package aggregate reconstructs entity state from the event store by
// folding events through a caller supplied reducer, optionally seeded by
// the latest usable snapshot.
// Reducers are registered explicitly at construction time - there is no
// reflection based handler dispatch
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aneshas/sourcing"
	"github.com/aneshas/sourcing/snapshot"
)

// Reducer folds a single event into the aggregate state. It must be
// deterministic and side-effect free - the same (state, event) input
// always yields the same output. Terminal lifecycle handling (treating
// a deleted entity as inert) belongs in the reducer, not the store
type Reducer[T any] func(state T, evt sourcing.StoredEvent) (T, error)

// EventReader is the slice of the event store the reconstructor consumes
type EventReader interface {
	ReadStream(ctx context.Context, stream string, opts ...sourcing.ReadStreamOpt) ([]sourcing.StoredEvent, error)
}

// Result holds the reconstructed state and the stream version it was
// reconstructed at
type Result[T any] struct {
	State   T
	Version int
}

// Cfg represents reconstructor configuration
type Cfg[T any] struct {
	snapshots *snapshot.Manager
	initial   func() T
	marshal   func(T) ([]byte, error)
	unmarshal func([]byte) (T, error)
	logger    *slog.Logger
}

// Opt represents reconstructor configuration option
type Opt[T any] func(Cfg[T]) Cfg[T]

// WithSnapshots enables snapshot accelerated reconstruction. Reads seed
// the fold from the latest usable snapshot and feed folded state back
// through Manager.CreateIfNeeded
func WithSnapshots[T any](m *snapshot.Manager) Opt[T] {
	return func(cfg Cfg[T]) Cfg[T] {
		cfg.snapshots = m

		return cfg
	}
}

// WithInitialState overrides the zero-value initial state the fold
// starts from when no snapshot exists
func WithInitialState[T any](initial func() T) Opt[T] {
	return func(cfg Cfg[T]) Cfg[T] {
		cfg.initial = initial

		return cfg
	}
}

// WithStateCodec overrides the json codec used to serialize state into
// snapshots and back
func WithStateCodec[T any](
	marshal func(T) ([]byte, error),
	unmarshal func([]byte) (T, error)) Opt[T] {

	return func(cfg Cfg[T]) Cfg[T] {
		cfg.marshal = marshal
		cfg.unmarshal = unmarshal

		return cfg
	}
}

// WithReconstructorLogger configures the logger
func WithReconstructorLogger[T any](l *slog.Logger) Opt[T] {
	return func(cfg Cfg[T]) Cfg[T] {
		cfg.logger = l

		return cfg
	}
}

// NewReconstructor constructs a reconstructor for one aggregate type
func NewReconstructor[T any](reader EventReader, reduce Reducer[T], opts ...Opt[T]) (*Reconstructor[T], error) {
	if reader == nil {
		return nil, fmt.Errorf("event reader must be provided")
	}

	if reduce == nil {
		return nil, fmt.Errorf("reducer must be provided")
	}

	cfg := Cfg[T]{
		initial: func() (t T) { return },
		marshal: func(t T) ([]byte, error) { return json.Marshal(t) },
		unmarshal: func(data []byte) (T, error) {
			var t T

			err := json.Unmarshal(data, &t)

			return t, err
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Reconstructor[T]{
		reader: reader,
		reduce: reduce,
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("component", "reconstructor")),
	}, nil
}

// Reconstructor loads an entity's state by combining the latest usable
// snapshot with the event suffix after it
type Reconstructor[T any] struct {
	reader EventReader
	reduce Reducer[T]
	cfg    Cfg[T]
	logger *slog.Logger
}

// Reconstruct folds the whole stream (snapshot + suffix) into the
// current state
func (r *Reconstructor[T]) Reconstruct(ctx context.Context, streamID string) (*Result[T], error) {
	return r.ReconstructAt(ctx, streamID, 0)
}

// ReconstructAt reconstructs the state as of the provided stream version
// (0 means latest). A stream with no events yields the initial state at
// version 0. Snapshot integrity failures degrade to full replay from
// version 0 - a snapshot is never required for correctness
func (r *Reconstructor[T]) ReconstructAt(ctx context.Context, streamID string, upToVersion int) (*Result[T], error) {
	state := r.cfg.initial()
	version := 0

	if r.cfg.snapshots != nil {
		snap, err := r.cfg.snapshots.Load(ctx, streamID, upToVersion)

		switch {
		case err == nil:
			restored, uerr := r.cfg.unmarshal(snap.State)
			if uerr != nil {
				r.logger.Warn(
					"snapshot state unusable, replaying from scratch",
					slog.String("stream", streamID),
					slog.String("err", uerr.Error()),
				)
			} else {
				state = restored
				version = snap.Version
			}

		case errors.Is(err, snapshot.ErrSnapshotNotFound):

		case errors.Is(err, snapshot.ErrSnapshotIntegrity):
			r.logger.Warn(
				"snapshot integrity failure, replaying from scratch",
				slog.String("stream", streamID),
				slog.String("err", err.Error()),
			)

		default:
			return nil, err
		}
	}

	suffix, err := r.reader.ReadStream(ctx, streamID, sourcing.WithFromVersion(version))
	if err != nil {
		return nil, err
	}

	folded := make([]sourcing.StoredEvent, 0, len(suffix))

	for _, evt := range suffix {
		if upToVersion > 0 && evt.StreamVersion > upToVersion {
			break
		}

		state, err = r.reduce(state, evt)
		if err != nil {
			return nil, fmt.Errorf("reducing event %s: %w", evt.ID, err)
		}

		version = evt.StreamVersion
		folded = append(folded, evt)
	}

	if r.cfg.snapshots != nil && upToVersion == 0 && len(folded) > 0 {
		data, merr := r.cfg.marshal(state)
		if merr == nil {
			if _, serr := r.cfg.snapshots.CreateIfNeeded(ctx, streamID, version, data, folded); serr != nil {
				r.logger.Warn(
					"snapshot creation failed",
					slog.String("stream", streamID),
					slog.String("err", serr.Error()),
				)
			}
		}
	}

	return &Result[T]{
		State:   state,
		Version: version,
	}, nil
}
