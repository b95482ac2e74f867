package sourcing

import (
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SubscriberFunc handles a single live event. It is invoked once per
// appended event, in global position order, from the subscriber's own
// goroutine - never from the appending goroutine
type SubscriberFunc func(StoredEvent)

// SubscribeConfig (configure using SubscribeOpt)
type SubscribeConfig struct {
	queueSize  int
	dropOldest bool
}

// SubscribeOpt represents subscribe option
type SubscribeOpt func(SubscribeConfig) SubscribeConfig

// WithQueueSize bounds the subscriber queue (defaults to 256).
// When the queue is full the appender either blocks (default) or drops
// the oldest queued event (see WithDropOldest)
func WithQueueSize(size int) SubscribeOpt {
	return func(cfg SubscribeConfig) SubscribeConfig {
		cfg.queueSize = size

		return cfg
	}
}

// WithDropOldest switches the overflow policy from backpressure-block to
// drop-oldest. Dropped events are counted via Metrics.SubscriberDropped
func WithDropOldest() SubscribeOpt {
	return func(cfg SubscribeConfig) SubscribeConfig {
		cfg.dropOldest = true

		return cfg
	}
}

// Subscriber is a handle to a live event feed registration.
// Close it to deregister - in-flight handler invocations are allowed
// to complete
type Subscriber struct {
	id         string
	queue      chan StoredEvent
	dropOldest bool
	logger     *slog.Logger

	once       sync.Once
	unregister func()
	done       chan struct{}
}

// Subscribe registers a handler with the store's live feed and returns a
// handle used to deregister it. The handler starts receiving events
// appended after the registration - use ReadAllSince for catch-up
// (or the projection.Subscription which combines both)
func (es *EventStore) Subscribe(handler SubscriberFunc, opts ...SubscribeOpt) (*Subscriber, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must be provided")
	}

	cfg := SubscribeConfig{
		queueSize: 256,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.queueSize < 1 {
		return nil, fmt.Errorf("queue size should be at least 1")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:         id,
		queue:      make(chan StoredEvent, cfg.queueSize),
		dropOldest: cfg.dropOldest,
		logger:     es.logger.With(slog.String("subscriber", id)),
		done:       make(chan struct{}),
	}

	sub.unregister = func() {
		es.mu.Lock()
		defer es.mu.Unlock()

		delete(es.subs, id)
	}

	es.mu.Lock()

	if es.closed {
		es.mu.Unlock()

		return nil, ErrSubscriberClosed
	}

	es.subs[id] = sub

	es.mu.Unlock()

	go sub.consume(handler)

	return sub, nil
}

// Close deregisters the subscriber. It is safe to call at any time and
// more than once. Events already queued are still delivered before the
// consumer goroutine exits
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.unregister()

		// No enqueue can happen past this point - unregistering takes
		// the same lock appends publish under
		close(s.queue)

		<-s.done
	})
}

func (s *Subscriber) consume(handler SubscriberFunc) {
	defer close(s.done)

	for evt := range s.queue {
		handler(evt)
	}
}

// enqueue is called with the store's global lock held, so queue order
// equals global position order across all streams
func (s *Subscriber) enqueue(evt StoredEvent, m Metrics) {
	if !s.dropOldest {
		s.queue <- evt

		return
	}

	for {
		select {
		case s.queue <- evt:
			return
		default:
		}

		select {
		case <-s.queue:
			m.SubscriberDropped()
			s.logger.Warn("subscriber queue full, dropping oldest event")
		default:
		}
	}
}
