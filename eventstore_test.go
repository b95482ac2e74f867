package sourcing_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aneshas/sourcing"
)

type SomeEvent struct {
	UserID string
}

type AnotherEvent struct {
	Smth string
}

func TestShouldReadAppendedEvents(t *testing.T) {
	es := eventStore(t)

	evts := []sourcing.EventToStore{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-3"}},
	}

	ctx := context.Background()
	stream := "some-stream"
	meta := map[string]string{
		"ip": "127.0.0.1",
	}

	err := es.AppendStream(
		ctx, stream, sourcing.InitialStreamVersion, evts,
		sourcing.WithMetaData(meta),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	got, err := es.ReadStream(ctx, stream)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != len(evts) {
		t.Fatalf("should have read %d events, got %d", len(evts), len(got))
	}

	for i, evt := range got {
		if !reflect.DeepEqual(evt.Event, evts[i].Event) ||
			!reflect.DeepEqual(evt.Meta, meta) ||
			evt.Type != "SomeEvent" {

			t.Fatal("events not read")
		}

		if evt.StreamVersion != i+1 {
			t.Fatalf("stream versions should be contiguous from 1, got %d at %d", evt.StreamVersion, i)
		}

		if evt.ID == "" {
			t.Fatal("event id should have been assigned")
		}
	}
}

func TestShouldWriteToDifferentStreams(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(
		ctx, "some-stream", sourcing.InitialStreamVersion, someEvents(3),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	err = es.AppendStream(
		ctx, "another-stream", sourcing.InitialStreamVersion, someEvents(3),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
}

func TestShouldAppendToExistingStream(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(
		ctx, stream, sourcing.InitialStreamVersion, someEvents(3),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	err = es.AppendStream(
		ctx, stream, 3, someEvents(3),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
}

func TestOptimisticConcurrencyCheckIsPerformed(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(
		ctx, stream, sourcing.InitialStreamVersion, someEvents(2),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	err = es.AppendStream(
		ctx, stream, sourcing.InitialStreamVersion, someEvents(1),
	)

	if !errors.Is(err, sourcing.ErrConcurrencyCheckFailed) {
		t.Fatalf("should have performed optimistic concurrency check")
	}

	var conflict *sourcing.ConflictError

	if !errors.As(err, &conflict) {
		t.Fatal("conflict details should be available")
	}

	if conflict.Expected != 0 || conflict.Actual != 2 {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	got, err := es.ReadStream(ctx, stream)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 2 {
		t.Fatal("conflicting batch should not have been applied")
	}
}

func TestConcurrentStaleAppendsExactlyOneWins(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(ctx, stream, sourcing.InitialStreamVersion, someEvents(1))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	var (
		wg        sync.WaitGroup
		conflicts int
		mu        sync.Mutex
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := es.AppendStream(ctx, stream, 1, someEvents(1))
			if err != nil {
				if !errors.Is(err, sourcing.ErrConcurrencyCheckFailed) {
					t.Errorf("unexpected error: %v", err)
				}

				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if conflicts != 9 {
		t.Fatalf("exactly one append should have won, got %d conflicts", conflicts)
	}

	got, err := es.ReadStream(ctx, stream)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("stream should hold 2 events, got %d", len(got))
	}
}

func TestGlobalPositionsAreGaplessAcrossStreams(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			stream := fmt.Sprintf("stream-%d", i)

			for v := 0; v < 4; v++ {
				if err := es.AppendStream(ctx, stream, v, someEvents(1)); err != nil {
					t.Errorf("error: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	if es.LatestPosition() != 20 {
		t.Fatalf("latest position should be 20, got %d", es.LatestPosition())
	}

	got, err := es.ReadAllSince(ctx, 0, sourcing.WithBatchSize(100))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	for i, evt := range got {
		if evt.Sequence != uint64(i)+1 {
			t.Fatalf("positions should be gapless, got %d at %d", evt.Sequence, i)
		}
	}
}

func TestExpectedAnySkipsConcurrencyCheck(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(ctx, stream, sourcing.InitialStreamVersion, someEvents(2))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	err = es.AppendStream(ctx, stream, sourcing.ExpectedAny, someEvents(1))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	got, err := es.ReadStream(ctx, stream)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if got[len(got)-1].StreamVersion != 3 {
		t.Fatal("versions should continue past the skipped check")
	}
}

func TestReadingMissingStreamYieldsEmptySlice(t *testing.T) {
	es := eventStore(t)

	got, err := es.ReadStream(context.Background(), "foo-stream")
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 0 {
		t.Fatal("missing stream should read as an empty sequence")
	}
}

func TestReadStreamFromVersionReturnsSuffix(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()
	stream := "some-stream"

	err := es.AppendStream(ctx, stream, sourcing.InitialStreamVersion, someEvents(5))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	got, err := es.ReadStream(ctx, stream, sourcing.WithFromVersion(3))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 2 || got[0].StreamVersion != 4 || got[1].StreamVersion != 5 {
		t.Fatalf("should have read suffix after version 3, got %d events", len(got))
	}

	got, err = es.ReadStream(ctx, stream, sourcing.WithFromVersion(5))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 0 {
		t.Fatal("suffix past the head should be empty")
	}
}

func TestReadAllSinceReturnsBoundedBatches(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(ctx, "stream-one", sourcing.InitialStreamVersion, someEvents(7))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	var (
		position uint64
		total    int
	)

	for {
		batch, err := es.ReadAllSince(ctx, position, sourcing.WithBatchSize(3))
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		if len(batch) == 0 {
			break
		}

		if len(batch) > 3 {
			t.Fatalf("batch should be bounded at 3, got %d", len(batch))
		}

		total += len(batch)
		position = batch[len(batch)-1].Sequence
	}

	if total != 7 {
		t.Fatalf("should have read 7 events in batches, got %d", total)
	}
}

func TestSubscribersAreNotifiedInGlobalOrder(t *testing.T) {
	es := eventStore(t)

	var (
		mu  sync.Mutex
		got []sourcing.StoredEvent
	)

	sub, err := es.Subscribe(func(evt sourcing.StoredEvent) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, evt)
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	defer sub.Close()

	ctx := context.Background()

	if err := es.AppendStream(ctx, "stream-one", 0, someEvents(3)); err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := es.AppendStream(ctx, "stream-two", 0, someEvents(2)); err != nil {
		t.Fatalf("error: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 5
	})

	mu.Lock()
	defer mu.Unlock()

	for i, evt := range got {
		if evt.Sequence != uint64(i)+1 {
			t.Fatalf("subscriber should observe global order, got %d at %d", evt.Sequence, i)
		}
	}
}

func TestClosedSubscriberReceivesNoFurtherEvents(t *testing.T) {
	es := eventStore(t)

	var (
		mu  sync.Mutex
		got int
	)

	sub, err := es.Subscribe(func(evt sourcing.StoredEvent) {
		mu.Lock()
		defer mu.Unlock()

		got++
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	ctx := context.Background()

	if err := es.AppendStream(ctx, "stream-one", 0, someEvents(2)); err != nil {
		t.Fatalf("error: %v", err)
	}

	sub.Close()

	if err := es.AppendStream(ctx, "stream-one", 2, someEvents(2)); err != nil {
		t.Fatalf("error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if got != 2 {
		t.Fatalf("closed subscriber should have seen 2 events, saw %d", got)
	}
}

func TestDropOldestPolicyDoesNotStallAppends(t *testing.T) {
	es := eventStore(t)

	release := make(chan struct{})

	sub, err := es.Subscribe(func(evt sourcing.StoredEvent) {
		<-release
	}, sourcing.WithQueueSize(1), sourcing.WithDropOldest())
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	defer sub.Close()

	ctx := context.Background()

	done := make(chan error, 1)

	go func() {
		var err error

		for v := 0; v < 10; v++ {
			if e := es.AppendStream(ctx, "stream-one", v, someEvents(1)); e != nil {
				err = e

				break
			}
		}

		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("error: %v", err)
		}

	case <-time.After(2 * time.Second):
		t.Fatal("appends should not block on a slow drop-oldest subscriber")
	}

	close(release)
}

func TestAppendStreamValidation(t *testing.T) {
	es := eventStore(t)

	cases := []struct {
		stream string
		ver    int
		evts   []sourcing.EventToStore
	}{
		{
			stream: "",
			ver:    0,
			evts:   someEvents(1),
		},
		{
			stream: "s",
			ver:    -2,
			evts:   someEvents(1),
		},
		{
			stream: "stream",
			ver:    0,
			evts:   []sourcing.EventToStore{{Event: nil}},
		},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			err := es.AppendStream(context.Background(), tc.stream, tc.ver, tc.evts)
			if err == nil {
				t.Fatal("validation error should have happened")
			}
		})
	}

	if es.LatestPosition() != 0 {
		t.Fatal("no event should have been stored")
	}
}

func TestMalformedEventRejectsWholeBatch(t *testing.T) {
	es := eventStore(t)

	ctx := context.Background()

	err := es.AppendStream(ctx, "stream", 0, []sourcing.EventToStore{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: nil},
	})

	if !errors.Is(err, sourcing.ErrMalformedEvent) {
		t.Fatalf("should have rejected the malformed event, got: %v", err)
	}

	got, err := es.ReadStream(ctx, "stream")
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 0 {
		t.Fatal("no event from the batch should have been applied")
	}
}

func TestReadAllMinimumBatchSize(t *testing.T) {
	es := eventStore(t)

	_, err := es.ReadAllSince(context.Background(), 0, sourcing.WithBatchSize(-1))
	if err == nil {
		t.Fatal("minimum batch size should have been validated")
	}
}

func TestReadStreamValidation(t *testing.T) {
	es := eventStore(t)

	_, err := es.ReadStream(context.Background(), "")
	if err == nil {
		t.Fatal("stream name should be provided")
	}
}

func TestNewEncoderMustBeProvided(t *testing.T) {
	_, err := sourcing.New(nil)
	if err == nil {
		t.Fatal("encoder must be provided")
	}
}

type enc struct {
	encode func(any) (*sourcing.EncodedEvt, error)
	decode func(*sourcing.EncodedEvt) (any, error)
}

func (e enc) Encode(evt any) (*sourcing.EncodedEvt, error) {
	return e.encode(evt)
}

func (e enc) Decode(evt *sourcing.EncodedEvt) (any, error) {
	return e.decode(evt)
}

func TestEncoderEncodeErrorsPropagated(t *testing.T) {
	var anErr = fmt.Errorf("an error occurred")

	e := enc{
		encode: func(i any) (*sourcing.EncodedEvt, error) { return nil, anErr },
	}

	es, err := sourcing.New(e)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	err = es.AppendStream(
		context.Background(),
		"stream",
		sourcing.InitialStreamVersion,
		someEvents(1),
	)

	if !errors.Is(err, anErr) {
		t.Fatal("error should have been propagated")
	}
}

type memLog struct {
	mu     sync.Mutex
	events []sourcing.PersistedEvent
	failOn error
}

func (l *memLog) AppendPersisted(_ context.Context, events []sourcing.PersistedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failOn != nil {
		return l.failOn
	}

	l.events = append(l.events, events...)

	return nil
}

func (l *memLog) ReadAllPersisted(_ context.Context, fromSequence uint64, batchSize int) ([]sourcing.PersistedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []sourcing.PersistedEvent

	for _, evt := range l.events {
		if evt.Sequence <= fromSequence {
			continue
		}

		out = append(out, evt)

		if len(out) == batchSize {
			break
		}
	}

	return out, nil
}

func TestDurableLogIsReplayedOnStartup(t *testing.T) {
	log := &memLog{}

	es, err := sourcing.New(
		sourcing.NewJSONEncoder(SomeEvent{}),
		sourcing.WithDurableLog(log),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	ctx := context.Background()

	if err := es.AppendStream(ctx, "stream-one", 0, someEvents(3)); err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := es.AppendStream(ctx, "stream-two", 0, someEvents(2)); err != nil {
		t.Fatalf("error: %v", err)
	}

	reopened, err := sourcing.New(
		sourcing.NewJSONEncoder(SomeEvent{}),
		sourcing.WithDurableLog(log),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if reopened.LatestPosition() != 5 {
		t.Fatalf("position should survive restart, got %d", reopened.LatestPosition())
	}

	got, err := reopened.ReadStream(ctx, "stream-one")
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("stream should survive restart, got %d events", len(got))
	}

	err = reopened.AppendStream(ctx, "stream-one", 2, someEvents(1))
	if !errors.Is(err, sourcing.ErrConcurrencyCheckFailed) {
		t.Fatal("concurrency check should use the replayed version")
	}
}

func TestDurableLogFailureRejectsAppend(t *testing.T) {
	anErr := fmt.Errorf("disk full")

	es, err := sourcing.New(
		sourcing.NewJSONEncoder(SomeEvent{}),
		sourcing.WithDurableLog(&memLog{failOn: anErr}),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	ctx := context.Background()

	err = es.AppendStream(ctx, "stream", 0, someEvents(1))
	if !errors.Is(err, anErr) {
		t.Fatal("storage errors should propagate to the caller")
	}

	if es.LatestPosition() != 0 {
		t.Fatal("failed append should not advance the position")
	}
}

func someEvents(n int) []sourcing.EventToStore {
	out := make([]sourcing.EventToStore, n)

	for i := range out {
		out[i] = sourcing.EventToStore{
			Event: SomeEvent{
				UserID: fmt.Sprintf("user-%d", i+1),
			},
		}
	}

	return out
}

func eventStore(t *testing.T) *sourcing.EventStore {
	t.Helper()

	es, err := sourcing.New(sourcing.NewJSONEncoder(SomeEvent{}, AnotherEvent{}))
	if err != nil {
		t.Fatalf("error creating es: %v", err)
	}

	t.Cleanup(func() {
		_ = es.Close()
	})

	return es
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	timeout := time.After(2 * time.Second)

	for {
		if cond() {
			return
		}

		select {
		case <-timeout:
			t.Fatal("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
