package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aneshas/sourcing"
)

// Handler applies a single event to the current read model payload
// (nil when the document does not exist yet) and returns the new payload.
// Handlers must be pure - same inputs, same output - so that rebuilds
// are idempotent
type Handler func(evt sourcing.StoredEvent, current []byte) ([]byte, error)

// IDExtractor derives the projection document id from an event.
// The default extractor uses the event's stream id
type IDExtractor func(evt sourcing.StoredEvent) string

// Replayer is the historical read surface used for rebuilds and catch-up
type Replayer interface {
	ReadAllSince(ctx context.Context, position uint64, opts ...sourcing.ReadAllOpt) ([]sourcing.StoredEvent, error)
}

// BuilderCfg represents builder configuration
type BuilderCfg struct {
	extractID IDExtractor
	logger    *slog.Logger
	metrics   sourcing.Metrics
}

// BuilderOpt represents builder configuration option
type BuilderOpt func(BuilderCfg) BuilderCfg

// WithIDExtractor overrides how document ids are derived from events
func WithIDExtractor(fn IDExtractor) BuilderOpt {
	return func(cfg BuilderCfg) BuilderCfg {
		cfg.extractID = fn

		return cfg
	}
}

// WithBuilderLogger configures the builder logger
func WithBuilderLogger(l *slog.Logger) BuilderOpt {
	return func(cfg BuilderCfg) BuilderCfg {
		cfg.logger = l

		return cfg
	}
}

// WithBuilderMetrics configures the metrics sink
func WithBuilderMetrics(m sourcing.Metrics) BuilderOpt {
	return func(cfg BuilderCfg) BuilderCfg {
		cfg.metrics = m

		return cfg
	}
}

// NewBuilder constructs a projection builder. Register handlers with On
// before processing any events
func NewBuilder(name string, store Store, opts ...BuilderOpt) (*Builder, error) {
	if name == "" {
		return nil, fmt.Errorf("projection name must be provided")
	}

	if store == nil {
		return nil, fmt.Errorf("projection store must be provided")
	}

	cfg := BuilderCfg{
		extractID: func(evt sourcing.StoredEvent) string { return evt.StreamID },
		logger:    slog.Default(),
		metrics:   sourcing.NopMetrics(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Builder{
		name:     name,
		store:    store,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   cfg.logger.With(slog.String("projection", name)),
	}, nil
}

// Builder maintains one read model, updated incrementally by explicitly
// registered per-event-type handlers
type Builder struct {
	name     string
	store    Store
	handlers map[string]Handler
	cfg      BuilderCfg
	logger   *slog.Logger
}

// Name returns the projection name
func (b *Builder) Name() string { return b.name }

// On registers a handler for an event type, replacing any previous one.
// Registration is resolved at construction time - call On before the
// builder starts processing, it is not synchronized with Process
func (b *Builder) On(eventType string, h Handler) *Builder {
	b.handlers[eventType] = h

	return b
}

// Process applies a single event to the read model. Events with no
// registered handler are a no-op success. A handler error leaves the
// document untouched - there are no partial writes
func (b *Builder) Process(ctx context.Context, evt sourcing.StoredEvent) error {
	h, ok := b.handlers[evt.Type]
	if !ok {
		return nil
	}

	start := time.Now()

	err := b.process(ctx, h, evt)

	b.cfg.metrics.ProjectionProcessed(b.name, evt.Type, time.Since(start).Seconds(), err == nil)

	return err
}

func (b *Builder) process(ctx context.Context, h Handler, evt sourcing.StoredEvent) error {
	id := b.cfg.extractID(evt)
	if id == "" {
		return nil
	}

	var (
		current []byte
		version int
	)

	doc, err := b.store.Get(ctx, id)

	switch {
	case err == nil:
		current = doc.Data
		version = doc.Version

	case errors.Is(err, ErrProjectionNotFound):

	default:
		return fmt.Errorf("loading projection %s: %w", id, err)
	}

	data, err := h(evt, current)
	if err != nil {
		return fmt.Errorf("handling %s: %w", evt.Type, err)
	}

	return b.store.Save(ctx, Projection{
		ID:              id,
		Version:         version + 1,
		LastEventID:     evt.ID,
		LastProcessedAt: time.Now().UTC(),
		Data:            data,
	})
}

// RebuildCfg represents rebuild configuration
type RebuildCfg struct {
	fromPosition uint64
	upToEventID  string
}

// RebuildOpt represents rebuild option
type RebuildOpt func(RebuildCfg) RebuildCfg

// WithRebuildFrom starts the replay after the provided global position
// instead of from the beginning of the log. The existing document is
// kept and updated in place
func WithRebuildFrom(position uint64) RebuildOpt {
	return func(cfg RebuildCfg) RebuildCfg {
		cfg.fromPosition = position

		return cfg
	}
}

// WithRebuildUpTo stops the replay once the event with the provided id
// has been applied, yielding the read model as of that event
func WithRebuildUpTo(eventID string) RebuildOpt {
	return func(cfg RebuildCfg) RebuildCfg {
		cfg.upToEventID = eventID

		return cfg
	}
}

// Rebuild deletes the existing document and replays all matching
// historical events in global position order through the same processing
// path. Replaying the same log twice yields bit-identical Data.
// The replay window can be bounded with WithRebuildFrom (which also
// skips the delete, repairing the document incrementally) and
// WithRebuildUpTo
func (b *Builder) Rebuild(ctx context.Context, src Replayer, projectionID string, opts ...RebuildOpt) error {
	var cfg RebuildCfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.fromPosition == 0 {
		if err := b.store.Delete(ctx, projectionID); err != nil {
			return fmt.Errorf("deleting projection %s: %w", projectionID, err)
		}
	}

	position := cfg.fromPosition

	for {
		batch, err := src.ReadAllSince(ctx, position)
		if err != nil {
			return fmt.Errorf("replaying events: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		for _, evt := range batch {
			position = evt.Sequence

			if b.cfg.extractID(evt) == projectionID {
				if err := b.Process(ctx, evt); err != nil {
					return err
				}
			}

			if cfg.upToEventID != "" && evt.ID == cfg.upToEventID {
				return nil
			}
		}
	}
}
