package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aneshas/sourcing"
)

// ManagerCfg represents snapshot manager configuration
type ManagerCfg struct {
	strategy   Strategy
	compressor Compressor
	cache      *Cache
	logger     *slog.Logger
	metrics    sourcing.Metrics
	now        func() time.Time
}

// ManagerOpt represents snapshot manager configuration option
type ManagerOpt func(ManagerCfg) ManagerCfg

// WithStrategy configures the should-snapshot strategy
// (defaults to EveryN(100))
func WithStrategy(s Strategy) ManagerOpt {
	return func(cfg ManagerCfg) ManagerCfg {
		cfg.strategy = s

		return cfg
	}
}

// WithCompressor configures the at-rest compressor (defaults to gzip)
func WithCompressor(c Compressor) ManagerOpt {
	return func(cfg ManagerCfg) ManagerCfg {
		cfg.compressor = c

		return cfg
	}
}

// WithCache configures the snapshot cache (defaults to NewCache())
func WithCache(c *Cache) ManagerOpt {
	return func(cfg ManagerCfg) ManagerCfg {
		cfg.cache = c

		return cfg
	}
}

// WithManagerLogger configures the manager logger
func WithManagerLogger(l *slog.Logger) ManagerOpt {
	return func(cfg ManagerCfg) ManagerCfg {
		cfg.logger = l

		return cfg
	}
}

// WithManagerMetrics configures the metrics sink
func WithManagerMetrics(m sourcing.Metrics) ManagerOpt {
	return func(cfg ManagerCfg) ManagerCfg {
		cfg.metrics = m

		return cfg
	}
}

// NewManager composes a strategy, a compressor, a cache and a durable
// store into the snapshot subsystem used by aggregate reconstruction
func NewManager(store Store, opts ...ManagerOpt) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("durable snapshot store must be provided")
	}

	cfg := ManagerCfg{
		strategy:   EveryN(100),
		compressor: NewGzip(0),
		logger:     slog.Default(),
		metrics:    sourcing.NopMetrics(),
		now:        time.Now,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.cache == nil {
		cfg.cache = NewCache()
	}

	return &Manager{
		store:      store,
		strategy:   cfg.strategy,
		compressor: cfg.compressor,
		cache:      cfg.cache,
		logger:     cfg.logger.With(slog.String("component", "snapshots")),
		metrics:    cfg.metrics,
		now:        cfg.now,
		lastTaken:  make(map[string]int),
	}, nil
}

// Manager owns the snapshot cache and delegates durable persistence to
// the injected store. The cache always holds ready-to-use state, never
// compressed bytes
type Manager struct {
	store      Store
	strategy   Strategy
	compressor Compressor
	cache      *Cache
	logger     *slog.Logger
	metrics    sourcing.Metrics
	now        func() time.Time

	mu        sync.Mutex
	lastTaken map[string]int
}

// CreateIfNeeded asks the strategy whether the stream deserves a snapshot
// at currentVersion and, if so, compresses + persists the state and
// caches the uncompressed form. It reports whether a snapshot was taken
func (m *Manager) CreateIfNeeded(
	ctx context.Context,
	streamID string,
	currentVersion int,
	state []byte,
	recent []sourcing.StoredEvent) (bool, error) {

	if len(streamID) == 0 {
		return false, fmt.Errorf("stream name must be provided")
	}

	last := m.lastSnapshotVersion(streamID)

	if !m.strategy.ShouldSnapshot(streamID, currentVersion, last, recent) {
		return false, nil
	}

	snap := Snapshot{
		StreamID: streamID,
		Version:  currentVersion,
		State:    state,
		TakenAt:  m.now().UTC(),
		Strategy: m.strategy.Name(),
	}

	compressed, err := m.compressor.Compress(state)
	if err != nil {
		return false, fmt.Errorf("compressing snapshot: %w", err)
	}

	stored := snap
	stored.State = compressed

	if err := m.store.Save(ctx, stored); err != nil {
		return false, fmt.Errorf("saving snapshot: %w", err)
	}

	m.cache.Put(&snap)
	m.rememberVersion(streamID, currentVersion)
	m.metrics.SnapshotTaken(streamID)

	if rec, ok := m.strategy.(CommitRecorder); ok {
		rec.RecordCommit(streamID)
	}

	m.logger.Debug(
		"snapshot taken",
		slog.String("stream", streamID),
		slog.Int("version", currentVersion),
		slog.String("strategy", snap.Strategy),
	)

	return true, nil
}

// Load returns the latest usable snapshot for the stream with
// version <= upToVersion (any version if upToVersion is 0), consulting
// the cache first. Decompression or durable-load failures surface as
// ErrSnapshotIntegrity so callers can fall back to full replay
func (m *Manager) Load(ctx context.Context, streamID string, upToVersion int) (*Snapshot, error) {
	if rec, ok := m.strategy.(AccessRecorder); ok {
		rec.RecordAccess(streamID)
	}

	if snap, ok := m.cache.Get(streamID, upToVersion); ok {
		m.metrics.SnapshotHit(streamID)

		return snap, nil
	}

	m.metrics.SnapshotMiss(streamID)

	stored, err := m.store.Load(ctx, streamID, upToVersion)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrSnapshotIntegrity, err)
	}

	state, err := m.compressor.Decompress(stored.State)
	if err != nil {
		if errors.Is(err, ErrSnapshotIntegrity) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrSnapshotIntegrity, err)
	}

	snap := *stored
	snap.State = state

	// Only the latest snapshot per stream is cached - versioned reads
	// below the latest skip the cache on the way back in
	if upToVersion == 0 {
		m.cache.Put(&snap)
	}

	m.rememberVersion(streamID, snap.Version)

	return &snap, nil
}

// Invalidate drops the cached snapshot and version bookkeeping for the
// stream. Durable snapshots are left in place
func (m *Manager) Invalidate(streamID string) {
	m.cache.Remove(streamID)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lastTaken, streamID)
}

func (m *Manager) lastSnapshotVersion(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastTaken[streamID]
}

func (m *Manager) rememberVersion(streamID string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if version > m.lastTaken[streamID] {
		m.lastTaken[streamID] = version
	}
}
