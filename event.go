package sourcing

import (
	"context"
	"time"
)

// EventToStore represents an event that is to be appended to the event store
type EventToStore struct {
	Event any

	// Optional
	ID                 string
	CausationEventID   string
	CorrelationEventID string
	Meta               map[string]string
	OccurredOn         time.Time
}

// StoredEvent holds stored event data and meta data.
// Sequence is the store-wide global position assigned on append
// (strictly increasing, gapless) while StreamVersion is the
// per-stream monotonic version starting at 1.
type StoredEvent struct {
	Event any
	Meta  map[string]string

	ID                 string
	Sequence           uint64
	Type               string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string
	StreamVersion      int
	OccurredOn         time.Time
}

// PersistedEvent is the encoded form of a stored event as it is handed
// over to a DurableEventLog implementation
type PersistedEvent struct {
	ID                 string
	Sequence           uint64
	Type               string
	Data               string
	Meta               map[string]string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string
	StreamVersion      int
	OccurredOn         time.Time
}

// DurableEventLog is a backing store for the event store (file, database, etc.)
// Implementations must append the whole batch atomically and read events
// back in the exact order they were appended
type DurableEventLog interface {
	AppendPersisted(ctx context.Context, events []PersistedEvent) error
	ReadAllPersisted(ctx context.Context, fromSequence uint64, batchSize int) ([]PersistedEvent, error)
}
