// Package promstore provides a Prometheus implementation of the
// sourcing.Metrics interface. The core only emits counters - scraping
// and transmission stay with the surrounding deployment
package promstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aneshas/sourcing"
)

type metrics struct {
	eventsAppended   *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec

	snapshotHits   *prometheus.CounterVec
	snapshotMisses *prometheus.CounterVec
	snapshotsTaken *prometheus.CounterVec

	projectionDuration *prometheus.HistogramVec
	projectionsTotal   *prometheus.CounterVec

	subscriberDrops prometheus.Counter
}

// New creates a new Prometheus implementation of sourcing.Metrics and
// registers its collectors with the provided registerer
func New(reg prometheus.Registerer) sourcing.Metrics {
	m := &metrics{
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"stream"}),

		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"stream"}),

		snapshotHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_snapshot_cache_hits_total",
			Help: "Total number of snapshot cache hits",
		}, []string{"stream"}),

		snapshotMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_snapshot_cache_misses_total",
			Help: "Total number of snapshot cache misses",
		}, []string{"stream"}),

		snapshotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_snapshots_taken_total",
			Help: "Total number of snapshots persisted",
		}, []string{"stream"}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcing_projection_event_duration_seconds",
			Help:    "Projection event handling time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection", "event_type"}),

		projectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcing_projection_events_total",
			Help: "Total number of events processed by projections",
		}, []string{"projection", "event_type", "success"}),

		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcing_subscriber_dropped_events_total",
			Help: "Total number of events dropped by overflowing subscriber queues",
		}),
	}

	reg.MustRegister(
		m.eventsAppended,
		m.versionConflicts,
		m.snapshotHits,
		m.snapshotMisses,
		m.snapshotsTaken,
		m.projectionDuration,
		m.projectionsTotal,
		m.subscriberDrops,
	)

	return m
}

func (m *metrics) EventsAppended(stream string, count int) {
	m.eventsAppended.WithLabelValues(stream).Add(float64(count))
}

func (m *metrics) VersionConflict(stream string) {
	m.versionConflicts.WithLabelValues(stream).Inc()
}

func (m *metrics) SnapshotHit(stream string) {
	m.snapshotHits.WithLabelValues(stream).Inc()
}

func (m *metrics) SnapshotMiss(stream string) {
	m.snapshotMisses.WithLabelValues(stream).Inc()
}

func (m *metrics) SnapshotTaken(stream string) {
	m.snapshotsTaken.WithLabelValues(stream).Inc()
}

func (m *metrics) ProjectionProcessed(projection, eventType string, seconds float64, success bool) {
	m.projectionDuration.WithLabelValues(projection, eventType).Observe(seconds)
	m.projectionsTotal.WithLabelValues(projection, eventType, boolToStr(success)).Inc()
}

func (m *metrics) SubscriberDropped() {
	m.subscriberDrops.Inc()
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}

	return "false"
}
