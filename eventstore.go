// Package sourcing provides an event sourcing storage core - an append-only
// log of domain events partitioned into per-entity streams with optimistic
// concurrency control, a global position counter used for catch-up reads,
// and a live subscription feed.
// Durable persistence is delegated to a DurableEventLog implementation
// (see the bundled sqlstore package), while snapshots, aggregate
// reconstruction and projections live in their respective subpackages.
package sourcing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid2 "github.com/google/uuid"
)

const (
	// InitialStreamVersion can be used as an initial expectedVer for
	// new streams (as an argument to AppendStream)
	InitialStreamVersion int = 0

	// ExpectedAny disables the optimistic concurrency check for a single
	// append. Used for restore/replay flows where the caller knows the
	// events are already in the correct order
	ExpectedAny int = -1
)

// Cfg represents event store configuration
type Cfg struct {
	logger  *slog.Logger
	durable DurableEventLog
	metrics Metrics
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithLogger configures the logger used by the store and its subscribers
func WithLogger(logger *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.logger = logger

		return cfg
	}
}

// WithDurableLog configures a durable backing log. Appends are written
// through to it before they become visible, and the in-memory index is
// rebuilt from it on construction
func WithDurableLog(log DurableEventLog) Option {
	return func(cfg Cfg) Cfg {
		cfg.durable = log

		return cfg
	}
}

// WithMetrics configures the metrics sink (defaults to NopMetrics)
func WithMetrics(m Metrics) Option {
	return func(cfg Cfg) Cfg {
		cfg.metrics = m

		return cfg
	}
}

// New constructs a new event store
// enc - a specific encoder implementation (see bundled JSONEncoder)
func New(enc Encoder, opts ...Option) (*EventStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder implementation must be provided")
	}

	cfg := Cfg{
		logger:  slog.Default(),
		metrics: NopMetrics(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	es := EventStore{
		enc:     enc,
		logger:  cfg.logger.With(slog.String("component", "eventstore")),
		durable: cfg.durable,
		metrics: cfg.metrics,
		streams: make(map[string]*stream),
		subs:    make(map[string]*Subscriber),
	}

	if es.durable != nil {
		if err := es.replayDurable(context.Background()); err != nil {
			return nil, fmt.Errorf("replaying durable log: %w", err)
		}
	}

	return &es, nil
}

// EventStore owns all event streams and the global position counter.
// Appends to different streams may proceed in parallel while appends to
// the same stream are serialized. Reads observe a consistent prefix of
// the log and subscribers are notified in strict global position order
type EventStore struct {
	enc     Encoder
	logger  *slog.Logger
	durable DurableEventLog
	metrics Metrics

	// mu guards the global index (all, position, streams map and the
	// subscriber registry). Per-stream appends additionally hold the
	// stream mutex so the check-then-act version check stays atomic
	// with respect to other writers of the same stream
	mu       sync.RWMutex
	all      []StoredEvent
	position uint64
	streams  map[string]*stream
	subs     map[string]*Subscriber
	closed   bool
}

type stream struct {
	mu     sync.Mutex
	events []StoredEvent
}

// AppendStreamConfig (configure using AppendStreamOpt)
type AppendStreamConfig struct {
	meta map[string]string

	correlationEventID string
	causationEventID   string
}

// AppendStreamOpt represents append to stream option
type AppendStreamOpt func(AppendStreamConfig) AppendStreamConfig

// WithMetaData is an append stream option that sets meta data
// for all events in the batch
func WithMetaData(meta map[string]string) AppendStreamOpt {
	return func(cfg AppendStreamConfig) AppendStreamConfig {
		cfg.meta = meta

		return cfg
	}
}

// WithCausationID sets the causation event id for all events in the batch
func WithCausationID(id string) AppendStreamOpt {
	return func(cfg AppendStreamConfig) AppendStreamConfig {
		cfg.causationEventID = id

		return cfg
	}
}

// WithCorrelationID sets the correlation event id for all events in the batch
func WithCorrelationID(id string) AppendStreamOpt {
	return func(cfg AppendStreamConfig) AppendStreamConfig {
		cfg.correlationEventID = id

		return cfg
	}
}

// AppendStream will encode the provided events and try to append them to
// the indicated stream. If the stream does not exist it is created.
// expectedVer should be InitialStreamVersion for new streams and the latest
// stream version for existing streams, otherwise a ConflictError (matching
// ErrConcurrencyCheckFailed) is returned and nothing is written.
// ExpectedAny skips the check entirely.
// The batch is atomic per stream - either every event is assigned a
// contiguous stream version and a global position, or none are.
// Live subscribers are notified (enqueued) in global position order
// before AppendStream returns
func (es *EventStore) AppendStream(
	ctx context.Context,
	stream string,
	expectedVer int,
	events []EventToStore,
	opts ...AppendStreamOpt) error {

	if len(stream) == 0 {
		return fmt.Errorf("stream name must be provided")
	}

	if expectedVer < ExpectedAny {
		return fmt.Errorf("expected version must be a stream version or ExpectedAny")
	}

	if len(events) == 0 {
		return nil
	}

	var cfg AppendStreamConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	batch, err := es.prepareBatch(stream, events, cfg)
	if err != nil {
		return err
	}

	s := es.fetchStream(stream)

	s.mu.Lock()
	defer s.mu.Unlock()

	currentVer := 0

	if len(s.events) > 0 {
		currentVer = s.events[len(s.events)-1].StreamVersion
	}

	if expectedVer != ExpectedAny && expectedVer != currentVer {
		es.metrics.VersionConflict(stream)

		return &ConflictError{
			Stream:   stream,
			Expected: expectedVer,
			Actual:   currentVer,
		}
	}

	for i := range batch {
		currentVer++
		batch[i].StreamVersion = currentVer
	}

	return es.commit(ctx, s, batch)
}

// prepareBatch validates and encodes the whole batch before any mutation
func (es *EventStore) prepareBatch(
	stream string,
	events []EventToStore,
	cfg AppendStreamConfig) ([]StoredEvent, error) {

	batch := make([]StoredEvent, len(events))

	for i, evt := range events {
		if evt.Event == nil {
			return nil, fmt.Errorf("%w: event payload must be provided", ErrMalformedEvent)
		}

		encoded, err := es.enc.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		if encoded.Type == "" {
			return nil, fmt.Errorf("%w: event type must not be empty", ErrMalformedEvent)
		}

		event := StoredEvent{
			Event:      evt.Event,
			Meta:       cfg.meta,
			ID:         evt.ID,
			Type:       encoded.Type,
			StreamID:   stream,
			OccurredOn: evt.OccurredOn,
		}

		if evt.Meta != nil {
			event.Meta = evt.Meta
		}

		causation := evt.CausationEventID
		if causation == "" {
			causation = cfg.causationEventID
		}

		if causation != "" {
			event.CausationEventID = &causation
		}

		correlation := evt.CorrelationEventID
		if correlation == "" {
			correlation = cfg.correlationEventID
		}

		if correlation != "" {
			event.CorrelationEventID = &correlation
		}

		if event.ID == "" {
			uuid, err := uuid2.NewV7()
			if err != nil {
				return nil, err
			}

			event.ID = uuid.String()
		}

		if event.OccurredOn.IsZero() {
			event.OccurredOn = time.Now().UTC()
		}

		batch[i] = event
	}

	return batch, nil
}

// commit assigns global positions, writes through to the durable log and
// publishes the batch - all under the global lock so that position
// assignment, visibility and subscriber notification share one order
func (es *EventStore) commit(ctx context.Context, s *stream, batch []StoredEvent) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return ErrSubscriberClosed
	}

	for i := range batch {
		batch[i].Sequence = es.position + uint64(i) + 1
	}

	if es.durable != nil {
		persisted, err := es.encodeBatch(batch)
		if err != nil {
			return err
		}

		if err := es.durable.AppendPersisted(ctx, persisted); err != nil {
			return fmt.Errorf("appending to durable log: %w", err)
		}
	}

	es.position += uint64(len(batch))
	es.all = append(es.all, batch...)
	s.events = append(s.events, batch...)

	es.metrics.EventsAppended(batch[0].StreamID, len(batch))

	for _, evt := range batch {
		for _, sub := range es.subs {
			sub.enqueue(evt, es.metrics)
		}
	}

	return nil
}

func (es *EventStore) encodeBatch(batch []StoredEvent) ([]PersistedEvent, error) {
	out := make([]PersistedEvent, len(batch))

	for i, evt := range batch {
		encoded, err := es.enc.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		out[i] = PersistedEvent{
			ID:                 evt.ID,
			Sequence:           evt.Sequence,
			Type:               encoded.Type,
			Data:               encoded.Data,
			Meta:               evt.Meta,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			StreamID:           evt.StreamID,
			StreamVersion:      evt.StreamVersion,
			OccurredOn:         evt.OccurredOn,
		}
	}

	return out, nil
}

func (es *EventStore) fetchStream(name string) *stream {
	es.mu.Lock()
	defer es.mu.Unlock()

	s, ok := es.streams[name]
	if !ok {
		s = &stream{}
		es.streams[name] = s
	}

	return s
}

// ReadStreamConfig (configure using ReadStreamOpt)
type ReadStreamConfig struct {
	fromVersion int
}

// ReadStreamOpt represents read stream option
type ReadStreamOpt func(ReadStreamConfig) ReadStreamConfig

// WithFromVersion is a read stream option that skips all events with
// stream version less than or equal to the provided one
func WithFromVersion(version int) ReadStreamOpt {
	return func(cfg ReadStreamConfig) ReadStreamConfig {
		cfg.fromVersion = version

		return cfg
	}
}

// ReadStream will read events associated with the provided stream, ordered
// by stream version. A stream that does not exist, or has no events past
// the requested version, yields an empty slice
func (es *EventStore) ReadStream(
	ctx context.Context,
	stream string,
	opts ...ReadStreamOpt) ([]StoredEvent, error) {

	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	var cfg ReadStreamConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	// s.events is only ever mutated under the global write lock
	// (see commit) so holding the read lock here is enough
	s, ok := es.streams[stream]
	if !ok {
		return []StoredEvent{}, nil
	}

	out := make([]StoredEvent, 0, len(s.events))

	for _, evt := range s.events {
		if evt.StreamVersion <= cfg.fromVersion {
			continue
		}

		out = append(out, evt)
	}

	return out, nil
}

// ReadAllConfig (configure using ReadAllOpt)
type ReadAllConfig struct {
	batchSize int
}

// ReadAllOpt represents read all option
type ReadAllOpt func(ReadAllConfig) ReadAllConfig

// WithBatchSize is a read all option that bounds the number of events
// returned by a single ReadAllSince call
func WithBatchSize(size int) ReadAllOpt {
	return func(cfg ReadAllConfig) ReadAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// ReadAllSince returns a bounded batch of events with global position
// greater than the provided one, ordered by position. The position of the
// last returned event is the continuation for the next call - callers
// catch up by looping until an empty (or short) batch comes back
func (es *EventStore) ReadAllSince(
	ctx context.Context,
	position uint64,
	opts ...ReadAllOpt) ([]StoredEvent, error) {

	cfg := ReadAllConfig{
		batchSize: 100,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return nil, fmt.Errorf("batch size should be at least 1")
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	if position >= es.position {
		return nil, nil
	}

	// Positions are gapless and 1-based so the slice offset is direct
	from := int(position)
	to := from + cfg.batchSize

	if to > len(es.all) {
		to = len(es.all)
	}

	out := make([]StoredEvent, to-from)
	copy(out, es.all[from:to])

	return out, nil
}

// LatestPosition returns the global position of the most recently
// appended event (0 for an empty store)
func (es *EventStore) LatestPosition() uint64 {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return es.position
}

// Close closes all live subscribers and marks the store as closed.
// Events already appended stay readable
func (es *EventStore) Close() error {
	es.mu.Lock()

	es.closed = true

	subs := make([]*Subscriber, 0, len(es.subs))

	for _, sub := range es.subs {
		subs = append(subs, sub)
	}

	es.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	return nil
}

func (es *EventStore) replayDurable(ctx context.Context) error {
	var from uint64

	const batch = 500

	for {
		events, err := es.durable.ReadAllPersisted(ctx, from, batch)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		for _, pe := range events {
			decoded, err := es.enc.Decode(&EncodedEvt{
				Data: pe.Data,
				Type: pe.Type,
			})
			if err != nil {
				return err
			}

			evt := StoredEvent{
				Event:              decoded,
				Meta:               pe.Meta,
				ID:                 pe.ID,
				Sequence:           pe.Sequence,
				Type:               pe.Type,
				CausationEventID:   pe.CausationEventID,
				CorrelationEventID: pe.CorrelationEventID,
				StreamID:           pe.StreamID,
				StreamVersion:      pe.StreamVersion,
				OccurredOn:         pe.OccurredOn,
			}

			s := es.fetchStream(pe.StreamID)

			es.mu.Lock()
			es.all = append(es.all, evt)
			es.position = pe.Sequence
			s.events = append(s.events, evt)
			es.mu.Unlock()

			from = pe.Sequence
		}
	}
}
