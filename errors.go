package sourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound indicates that no events were ever appended for the
	// requested aggregate. Raw stream reads yield an empty slice instead -
	// the sentinel is returned by the aggregate store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that the stream has moved past the expected version.
	// Errors returned by AppendStream match it via errors.Is and carry the
	// expected/actual pair as a ConflictError
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: stream version exists")

	// ErrMalformedEvent indicates an event that fails validation before storage.
	// The batch containing it is rejected as a whole and never partially applied
	ErrMalformedEvent = errors.New("malformed event")

	// ErrEventNotRegistered is returned by the bundled json encoder when it
	// encounters an event type it does not know how to decode
	ErrEventNotRegistered = errors.New("event not registered with the encoder")

	// ErrSubscriberClosed is returned when subscribing to a store that has
	// been closed or when reusing a closed subscriber
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// ConflictError is returned by AppendStream when the expected stream version
// does not match the actual one. The caller should re-read the stream and
// retry with fresh expectations - the store never retries on its own
type ConflictError struct {
	Stream   string
	Expected int
	Actual   int
}

// Error implements error
func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"stream %s: %v (expected version %d, actual %d)",
		e.Stream, ErrConcurrencyCheckFailed, e.Expected, e.Actual,
	)
}

// Is makes ConflictError match ErrConcurrencyCheckFailed
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyCheckFailed
}
