package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aneshas/sourcing"
)

func TestFrequencyStrategy(t *testing.T) {
	s := EveryN(10)

	assert.False(t, s.ShouldSnapshot("s", 9, 0, nil))
	assert.True(t, s.ShouldSnapshot("s", 10, 0, nil))
	assert.False(t, s.ShouldSnapshot("s", 19, 10, nil))
	assert.True(t, s.ShouldSnapshot("s", 20, 10, nil))
}

func TestFrequencyStrategyClampsToOne(t *testing.T) {
	s := EveryN(0)

	assert.True(t, s.ShouldSnapshot("s", 1, 0, nil))
}

func TestSizeStrategy(t *testing.T) {
	s := MaxSize(64)

	small := recentEvents("x")
	big := recentEvents(string(make([]byte, 128)))

	assert.False(t, s.ShouldSnapshot("s", 1, 0, small))
	assert.True(t, s.ShouldSnapshot("s", 1, 0, big))
}

func TestIntervalStrategySeedsOnFirstCall(t *testing.T) {
	clock := newClock()

	s := Every(time.Minute)
	s.now = clock.now

	assert.False(t, s.ShouldSnapshot("s", 1, 0, nil))

	clock.advance(30 * time.Second)
	assert.False(t, s.ShouldSnapshot("s", 2, 0, nil))

	clock.advance(31 * time.Second)
	assert.True(t, s.ShouldSnapshot("s", 3, 0, nil))

	// eligibility holds until a snapshot is actually persisted
	clock.advance(time.Second)
	assert.True(t, s.ShouldSnapshot("s", 4, 0, nil))

	s.RecordCommit("s")

	clock.advance(time.Second)
	assert.False(t, s.ShouldSnapshot("s", 5, 0, nil))
}

func TestCompositeForwardsCommitRecording(t *testing.T) {
	clock := newClock()

	interval := Every(time.Minute)
	interval.now = clock.now

	s := Combine(ModeAny, stubStrategy{false}, interval)

	s.ShouldSnapshot("s", 1, 0, nil)
	clock.advance(2 * time.Minute)

	assert.True(t, s.ShouldSnapshot("s", 2, 0, nil))

	s.RecordCommit("s")

	assert.False(t, s.ShouldSnapshot("s", 3, 0, nil))
}

func TestIntervalStrategyTracksStreamsIndependently(t *testing.T) {
	clock := newClock()

	s := Every(time.Minute)
	s.now = clock.now

	assert.False(t, s.ShouldSnapshot("a", 1, 0, nil))

	clock.advance(2 * time.Minute)

	assert.False(t, s.ShouldSnapshot("b", 1, 0, nil))
	assert.True(t, s.ShouldSnapshot("a", 2, 0, nil))
}

func TestAdaptiveLowersThresholdForHotStreams(t *testing.T) {
	clock := newClock()

	s := NewAdaptive(AdaptiveConfig{
		BaseFrequency: 50,
		MinFrequency:  10,
		MaxFrequency:  200,
	})
	s.now = clock.now

	// a cold stream stays on the base threshold
	assert.False(t, s.ShouldSnapshot("cold", 25, 0, nil))

	// a hot stream (50 events/sec) gets its threshold halved
	s.ShouldSnapshot("hot", 5, 0, recentEvents("a", "b", "c", "d", "e"))
	clock.advance(100 * time.Millisecond)

	assert.True(t, s.ShouldSnapshot("hot", 25, 0, recentEvents("a", "b", "c", "d", "e")))
}

func TestAdaptiveClampsToMinFrequency(t *testing.T) {
	clock := newClock()

	s := NewAdaptive(AdaptiveConfig{
		BaseFrequency:  20,
		MinFrequency:   15,
		MaxFrequency:   200,
		LargeEventSize: 4,
	})
	s.now = clock.now

	// large events and a high event rate would halve twice, but the
	// floor holds
	s.ShouldSnapshot("s", 5, 0, recentEvents("aaaaaaaaaa"))
	clock.advance(50 * time.Millisecond)

	assert.False(t, s.ShouldSnapshot("s", 14, 0, recentEvents("aaaaaaaaaa")))
	assert.True(t, s.ShouldSnapshot("s", 15, 0, recentEvents("aaaaaaaaaa")))
}

type stubStrategy struct {
	result bool
}

func (s stubStrategy) Name() string { return "stub" }

func (s stubStrategy) ShouldSnapshot(string, int, int, []sourcing.StoredEvent) bool {
	return s.result
}

func TestCompositeModeAny(t *testing.T) {
	s := Combine(ModeAny, stubStrategy{false}, stubStrategy{true})

	assert.True(t, s.ShouldSnapshot("s", 1, 0, nil))

	s = Combine(ModeAny, stubStrategy{false}, stubStrategy{false})

	assert.False(t, s.ShouldSnapshot("s", 1, 0, nil))
}

func TestCompositeModeAll(t *testing.T) {
	s := Combine(ModeAll, stubStrategy{true}, stubStrategy{true})

	assert.True(t, s.ShouldSnapshot("s", 1, 0, nil))

	s = Combine(ModeAll, stubStrategy{true}, stubStrategy{false})

	assert.False(t, s.ShouldSnapshot("s", 1, 0, nil))
}

func TestEmptyCompositeNeverSnapshots(t *testing.T) {
	assert.False(t, Combine(ModeAny).ShouldSnapshot("s", 100, 0, nil))
	assert.False(t, Combine(ModeAll).ShouldSnapshot("s", 100, 0, nil))
}

type fakeClock struct {
	t time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func recentEvents(payloads ...string) []sourcing.StoredEvent {
	out := make([]sourcing.StoredEvent, len(payloads))

	for i, p := range payloads {
		out[i] = sourcing.StoredEvent{
			Event: struct{ P string }{P: p},
		}
	}

	return out
}
