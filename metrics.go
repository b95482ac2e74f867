package sourcing

// Metrics defines the counters the core emits. The core only increments
// them - sampling and transmission belong to an external telemetry
// collaborator. Implementations must be safe for concurrent use
type Metrics interface {
	EventsAppended(stream string, count int)
	VersionConflict(stream string)

	SnapshotHit(stream string)
	SnapshotMiss(stream string)
	SnapshotTaken(stream string)

	ProjectionProcessed(projection, eventType string, seconds float64, success bool)

	SubscriberDropped()
}

type nopMetrics struct{}

func (nopMetrics) EventsAppended(string, int) {}
func (nopMetrics) VersionConflict(string)     {}

func (nopMetrics) SnapshotHit(string)   {}
func (nopMetrics) SnapshotMiss(string)  {}
func (nopMetrics) SnapshotTaken(string) {}

func (nopMetrics) ProjectionProcessed(string, string, float64, bool) {}

func (nopMetrics) SubscriberDropped() {}

// NopMetrics returns a no-op Metrics implementation
func NopMetrics() Metrics { return nopMetrics{} }
