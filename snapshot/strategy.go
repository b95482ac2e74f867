package snapshot

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aneshas/sourcing"
)

// Strategy decides whether a snapshot should be taken for a stream that
// just reached currentVersion. lastSnapshotVersion is 0 when no snapshot
// exists yet and recent holds the events appended since then
type Strategy interface {
	Name() string
	ShouldSnapshot(streamID string, currentVersion, lastSnapshotVersion int, recent []sourcing.StoredEvent) bool
}

// AccessRecorder is implemented by strategies that factor read access
// frequency into their decision (see Adaptive)
type AccessRecorder interface {
	RecordAccess(streamID string)
}

// CommitRecorder is implemented by strategies that restart their window
// only once a snapshot has actually been persisted (see Interval)
type CommitRecorder interface {
	RecordCommit(streamID string)
}

// EveryN snapshots each stream every n events
func EveryN(n int) *Frequency {
	if n < 1 {
		n = 1
	}

	return &Frequency{n: n}
}

// Frequency is a fixed event-count strategy
type Frequency struct {
	n int
}

// Name implements Strategy
func (f *Frequency) Name() string { return "frequency" }

// ShouldSnapshot implements Strategy
func (f *Frequency) ShouldSnapshot(_ string, currentVersion, lastSnapshotVersion int, _ []sourcing.StoredEvent) bool {
	return currentVersion-lastSnapshotVersion >= f.n
}

// MaxSize snapshots a stream once the serialized size of the events
// accumulated since the last snapshot exceeds maxBytes
func MaxSize(maxBytes int) *Size {
	return &Size{maxBytes: maxBytes}
}

// Size is a serialized-size strategy
type Size struct {
	maxBytes int
}

// Name implements Strategy
func (s *Size) Name() string { return "size" }

// ShouldSnapshot implements Strategy
func (s *Size) ShouldSnapshot(_ string, _, _ int, recent []sourcing.StoredEvent) bool {
	var total int

	for _, evt := range recent {
		data, err := json.Marshal(evt.Event)
		if err != nil {
			continue
		}

		total += len(data)
	}

	return total > s.maxBytes
}

// Every snapshots each stream once the wall-clock interval since its
// last persisted snapshot has elapsed. The first call for a stream seeds
// the clock and reports false. An elapsed stream stays eligible until
// RecordCommit confirms a persisted snapshot
func Every(interval time.Duration) *Interval {
	return &Interval{
		interval: interval,
		now:      time.Now,
		lastAt:   make(map[string]time.Time),
	}
}

// Interval is a wall-clock strategy with per-stream timestamp tracking
type Interval struct {
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	lastAt map[string]time.Time
}

// Name implements Strategy
func (i *Interval) Name() string { return "time" }

// ShouldSnapshot implements Strategy
func (i *Interval) ShouldSnapshot(streamID string, _, _ int, _ []sourcing.StoredEvent) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()

	last, ok := i.lastAt[streamID]
	if !ok {
		i.lastAt[streamID] = now

		return false
	}

	return now.Sub(last) >= i.interval
}

// RecordCommit implements CommitRecorder
func (i *Interval) RecordCommit(streamID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.lastAt[streamID] = i.now()
}

// AdaptiveConfig tunes the adaptive strategy. The exponential moving
// average coefficients and thresholds are tuning defaults, not
// correctness requirements - override them freely
type AdaptiveConfig struct {
	// BaseFrequency is the event-count threshold under normal load
	BaseFrequency int

	// MinFrequency and MaxFrequency clamp the effective threshold
	MinFrequency int
	MaxFrequency int

	// Decay is the weight given to the previous moving average
	// observation (the complement goes to the new one)
	Decay float64

	// HighEventRate (events/sec), LargeEventSize (bytes) and
	// HighAccessRate (reads/sec) each halve the effective threshold
	// when exceeded
	HighEventRate  float64
	LargeEventSize float64
	HighAccessRate float64
}

// NewAdaptive constructs an adaptive strategy which tracks per-stream
// moving averages of event rate, event size and read access rate and
// snapshots hot streams more often
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	if cfg.BaseFrequency < 1 {
		cfg.BaseFrequency = 50
	}

	if cfg.MinFrequency < 1 {
		cfg.MinFrequency = 10
	}

	if cfg.MaxFrequency < cfg.MinFrequency {
		cfg.MaxFrequency = 200
	}

	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = 0.7
	}

	if cfg.HighEventRate <= 0 {
		cfg.HighEventRate = 10
	}

	if cfg.LargeEventSize <= 0 {
		cfg.LargeEventSize = 1024
	}

	if cfg.HighAccessRate <= 0 {
		cfg.HighAccessRate = 10
	}

	return &Adaptive{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*streamStats),
	}
}

// Adaptive tunes the snapshot frequency per stream based on observed load
type Adaptive struct {
	cfg AdaptiveConfig
	now func() time.Time

	mu    sync.Mutex
	stats map[string]*streamStats
}

type streamStats struct {
	eventRate  float64
	avgSize    float64
	accessRate float64

	lastEventAt  time.Time
	lastAccessAt time.Time
	accesses     int
}

// Name implements Strategy
func (a *Adaptive) Name() string { return "adaptive" }

// RecordAccess implements AccessRecorder and feeds the read access
// moving average
func (a *Adaptive) RecordAccess(streamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stream(streamID)
	st.accesses++

	now := a.now()

	if st.lastAccessAt.IsZero() {
		st.lastAccessAt = now

		return
	}

	if elapsed := now.Sub(st.lastAccessAt).Seconds(); elapsed >= 1 {
		rate := float64(st.accesses) / elapsed
		st.accessRate = a.ema(st.accessRate, rate)
		st.accesses = 0
		st.lastAccessAt = now
	}
}

// ShouldSnapshot implements Strategy
func (a *Adaptive) ShouldSnapshot(streamID string, currentVersion, lastSnapshotVersion int, recent []sourcing.StoredEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stream(streamID)
	now := a.now()

	if len(recent) > 0 {
		if !st.lastEventAt.IsZero() {
			elapsed := now.Sub(st.lastEventAt).Seconds()
			if elapsed > 0 {
				st.eventRate = a.ema(st.eventRate, float64(len(recent))/elapsed)
			}
		}

		st.lastEventAt = now

		var total int

		for _, evt := range recent {
			data, err := json.Marshal(evt.Event)
			if err != nil {
				continue
			}

			total += len(data)
		}

		st.avgSize = a.ema(st.avgSize, float64(total)/float64(len(recent)))
	}

	threshold := a.cfg.BaseFrequency

	if st.eventRate > a.cfg.HighEventRate {
		threshold /= 2
	}

	if st.avgSize > a.cfg.LargeEventSize {
		threshold /= 2
	}

	if st.accessRate > a.cfg.HighAccessRate {
		threshold /= 2
	}

	if threshold < a.cfg.MinFrequency {
		threshold = a.cfg.MinFrequency
	}

	if threshold > a.cfg.MaxFrequency {
		threshold = a.cfg.MaxFrequency
	}

	return currentVersion-lastSnapshotVersion >= threshold
}

func (a *Adaptive) ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}

	return a.cfg.Decay*prev + (1-a.cfg.Decay)*sample
}

func (a *Adaptive) stream(id string) *streamStats {
	st, ok := a.stats[id]
	if !ok {
		st = &streamStats{}
		a.stats[id] = st
	}

	return st
}

// CompositeMode selects how a Composite combines its children
type CompositeMode int

const (
	// ModeAny reports true when any child strategy does
	ModeAny CompositeMode = iota

	// ModeAll reports true only when all child strategies do
	ModeAll
)

// Combine constructs a composite strategy from child strategies
func Combine(mode CompositeMode, children ...Strategy) *Composite {
	return &Composite{mode: mode, children: children}
}

// Composite ORs or ANDs the results of child strategies
type Composite struct {
	mode     CompositeMode
	children []Strategy
}

// Name implements Strategy
func (c *Composite) Name() string { return "composite" }

// RecordAccess forwards access recording to children that track it
func (c *Composite) RecordAccess(streamID string) {
	for _, child := range c.children {
		if rec, ok := child.(AccessRecorder); ok {
			rec.RecordAccess(streamID)
		}
	}
}

// RecordCommit forwards commit recording to children that track it
func (c *Composite) RecordCommit(streamID string) {
	for _, child := range c.children {
		if rec, ok := child.(CommitRecorder); ok {
			rec.RecordCommit(streamID)
		}
	}
}

// ShouldSnapshot implements Strategy
func (c *Composite) ShouldSnapshot(streamID string, currentVersion, lastSnapshotVersion int, recent []sourcing.StoredEvent) bool {
	if len(c.children) == 0 {
		return false
	}

	for _, child := range c.children {
		ok := child.ShouldSnapshot(streamID, currentVersion, lastSnapshotVersion, recent)

		if c.mode == ModeAny && ok {
			return true
		}

		if c.mode == ModeAll && !ok {
			return false
		}
	}

	return c.mode == ModeAll
}
