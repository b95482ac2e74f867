package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"

	"github.com/aneshas/sourcing"
)

// Checkpoints persists subscription progress so that a restarted
// subscription resumes where it left off instead of replaying everything
type Checkpoints interface {
	Get(ctx context.Context, name string) (position uint64, lastEventID string, err error)
	Set(ctx context.Context, name string, position uint64, lastEventID string) error
}

// NewInMemoryCheckpoints constructs an in-memory checkpoint store
func NewInMemoryCheckpoints() *InMemoryCheckpoints {
	return &InMemoryCheckpoints{
		cps: make(map[string]checkpoint),
	}
}

type checkpoint struct {
	position uint64
	eventID  string
}

// InMemoryCheckpoints is a map backed checkpoint store safe for
// concurrent use
type InMemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]checkpoint
}

// Get implements Checkpoints
func (s *InMemoryCheckpoints) Get(_ context.Context, name string) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.cps[name]
	if !ok {
		return 0, "", ErrCheckpointNotFound
	}

	return cp.position, cp.eventID, nil
}

// Set implements Checkpoints
func (s *InMemoryCheckpoints) Set(_ context.Context, name string, position uint64, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cps[name] = checkpoint{position: position, eventID: eventID}

	return nil
}

// ErrorPolicy decides what a subscription does when a handler fails
type ErrorPolicy int

const (
	// SkipAndReport counts and reports the error, then continues with the
	// next event - a single bad event must not halt the feed
	SkipAndReport ErrorPolicy = iota

	// Halt stops processing on the first handler error, for projections
	// where correctness cannot tolerate skips
	Halt
)

// Feed is the event store surface a subscription consumes - historical
// reads for catch-up plus the live feed
type Feed interface {
	Replayer

	Subscribe(handler sourcing.SubscriberFunc, opts ...sourcing.SubscribeOpt) (*sourcing.Subscriber, error)
}

// SubCfg represents subscription configuration
type SubCfg struct {
	checkpoints      Checkpoints
	catchUpOnStart   bool
	policy           ErrorPolicy
	onError          func(evt sourcing.StoredEvent, err error)
	maxCatchUpTries  uint
	catchUpBatchSize int
	bufferSize       int
	logger           *slog.Logger
}

// SubOpt represents subscription configuration option
type SubOpt func(SubCfg) SubCfg

// WithCheckpoints configures the checkpoint store (defaults to in-memory,
// which means full replay on every restart)
func WithCheckpoints(cp Checkpoints) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.checkpoints = cp

		return cfg
	}
}

// WithoutCatchUp starts the subscription from the live feed only,
// skipping historical replay
func WithoutCatchUp() SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.catchUpOnStart = false

		return cfg
	}
}

// WithErrorPolicy selects the handler failure policy
// (defaults to SkipAndReport)
func WithErrorPolicy(p ErrorPolicy) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.policy = p

		return cfg
	}
}

// WithOnError registers a callback invoked on every handler failure
func WithOnError(fn func(evt sourcing.StoredEvent, err error)) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.onError = fn

		return cfg
	}
}

// WithMaxCatchUpTries bounds the retries of a failing historical read
// during catch-up (defaults to 5), after which Start fails with
// ErrCatchUpFailed
func WithMaxCatchUpTries(n uint) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.maxCatchUpTries = n

		return cfg
	}
}

// WithCatchUpBatchSize sets the historical read batch size
func WithCatchUpBatchSize(n int) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.catchUpBatchSize = n

		return cfg
	}
}

// WithSubLogger configures the subscription logger
func WithSubLogger(l *slog.Logger) SubOpt {
	return func(cfg SubCfg) SubCfg {
		cfg.logger = l

		return cfg
	}
}

// NewSubscription constructs a subscription that drives the provided
// builder from the feed. Call Start to begin processing
func NewSubscription(feed Feed, builder *Builder, opts ...SubOpt) (*Subscription, error) {
	if feed == nil {
		return nil, fmt.Errorf("feed must be provided")
	}

	if builder == nil {
		return nil, fmt.Errorf("projection builder must be provided")
	}

	cfg := SubCfg{
		checkpoints:      NewInMemoryCheckpoints(),
		catchUpOnStart:   true,
		maxCatchUpTries:  5,
		catchUpBatchSize: 100,
		bufferSize:       1024,
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Subscription{
		feed:    feed,
		builder: builder,
		cfg:     cfg,
		logger: cfg.logger.With(
			slog.String("component", "subscription"),
			slog.String("projection", builder.Name()),
		),
	}, nil
}

// Subscription drives a projection builder by replaying historical
// events from the last checkpoint and then tailing the live feed.
// Live events received while catch-up is in progress are buffered and
// applied afterwards in position order, deduplicated by position, so the
// switchover has no gaps and no double-applies
type Subscription struct {
	feed    Feed
	builder *Builder
	cfg     SubCfg
	logger  *slog.Logger

	sub      *sourcing.Subscriber
	incoming chan sourcing.StoredEvent
	quit     chan struct{}
	done     chan struct{}

	position    atomic.Uint64
	lastEventID atomic.Value
	errCount    atomic.Uint64

	mu       sync.Mutex
	started  bool
	quitOnce sync.Once
	haltErr  error
}

// Start registers with the live feed, synchronously replays history from
// the last checkpoint (unless disabled) and then begins live processing
// in the background. It does not return until catch-up has completed or
// exhausted its retry budget
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.started {
		s.mu.Unlock()

		return fmt.Errorf("subscription already started")
	}

	s.started = true
	s.quitOnce = sync.Once{}
	s.haltErr = nil
	s.mu.Unlock()

	position, eventID, err := s.cfg.checkpoints.Get(ctx, s.builder.Name())
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		s.reset()

		return fmt.Errorf("loading checkpoint: %w", err)
	}

	s.position.Store(position)
	s.lastEventID.Store(eventID)

	s.incoming = make(chan sourcing.StoredEvent, s.cfg.bufferSize)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})

	// Register for live events before reading history so nothing falls
	// between the end of catch-up and the first live delivery. The
	// overlap is deduplicated by position in the live loop
	sub, err := s.feed.Subscribe(func(evt sourcing.StoredEvent) {
		select {
		case s.incoming <- evt:
		case <-s.quit:
		}
	})
	if err != nil {
		s.reset()

		return err
	}

	s.sub = sub

	if s.cfg.catchUpOnStart {
		if err := s.catchUp(ctx); err != nil {
			sub.Close()
			s.reset()

			return err
		}
	}

	go s.run(ctx)

	s.logger.Info("subscription running", slog.Uint64("position", s.position.Load()))

	return nil
}

// Stop unsubscribes from the live feed and halts processing. In-flight
// handler invocations complete; projection state and checkpoints are
// left intact. Safe to call at any time and more than once, and a
// stopped subscription can be started again - it resumes from its
// checkpoint
func (s *Subscription) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return
	}

	s.mu.Unlock()

	s.halt()
	s.sub.Close()
	<-s.done

	s.reset()
}

// Position returns the global position of the last processed event
func (s *Subscription) Position() uint64 { return s.position.Load() }

// LastEventID returns the id of the last processed event
func (s *Subscription) LastEventID() string {
	id, _ := s.lastEventID.Load().(string)

	return id
}

// ErrCount returns the number of handler errors observed so far
func (s *Subscription) ErrCount() uint64 { return s.errCount.Load() }

// Err returns the error that halted the subscription, if any
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.haltErr
}

// catchUp replays history from the checkpoint in batches. Each failing
// read is retried with exponential backoff up to the configured budget
func (s *Subscription) catchUp(ctx context.Context) error {
	for {
		read := func() ([]sourcing.StoredEvent, error) {
			return s.feed.ReadAllSince(
				ctx,
				s.position.Load(),
				sourcing.WithBatchSize(s.cfg.catchUpBatchSize),
			)
		}

		batch, err := backoff.Retry(
			ctx,
			read,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(s.cfg.maxCatchUpTries),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCatchUpFailed, err)
		}

		if len(batch) == 0 {
			return nil
		}

		for _, evt := range batch {
			if err := s.handle(ctx, evt); err != nil {
				return err
			}
		}
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	// the live-feed callback selects on quit, so it must be closed
	// whenever processing ends or the callback would wedge the appender
	// once the buffers fill up
	defer s.halt()

	for {
		select {
		case <-s.quit:
			return

		case <-ctx.Done():
			return

		case evt := <-s.incoming:
			// Already applied during catch-up
			if evt.Sequence <= s.position.Load() {
				continue
			}

			if err := s.handle(ctx, evt); err != nil {
				return
			}
		}
	}
}

// handle processes one event and advances the checkpoint. The returned
// error is non-nil only when the subscription should halt
func (s *Subscription) handle(ctx context.Context, evt sourcing.StoredEvent) error {
	err := s.builder.Process(ctx, evt)
	if err != nil {
		s.errCount.Add(1)

		if s.cfg.onError != nil {
			s.cfg.onError(evt, err)
		}

		s.logger.Error(
			"projection handler failed",
			slog.String("event", evt.ID),
			slog.String("type", evt.Type),
			slog.String("err", err.Error()),
		)

		if s.cfg.policy == Halt {
			s.mu.Lock()
			s.haltErr = err
			s.mu.Unlock()

			s.halt()

			return err
		}
	}

	s.position.Store(evt.Sequence)
	s.lastEventID.Store(evt.ID)

	if err := s.cfg.checkpoints.Set(ctx, s.builder.Name(), evt.Sequence, evt.ID); err != nil {
		s.logger.Error("persisting checkpoint failed", slog.String("err", err.Error()))
	}

	return nil
}

func (s *Subscription) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
}

func (s *Subscription) halt() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}
