// Package metrics exposes reader and reconciliation counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinical_source_records_total",
			Help: "Source records handled by the reader, by outcome",
		},
		[]string{"outcome"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinical_events_total",
			Help: "Normalized events reconciled, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	eventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinical_event_duration_seconds",
			Help:    "Time to reconcile and commit one event",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind"},
	)

	lastSequenceID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinical_checkpoint_sequence_id",
			Help: "Sequence id of the last committed source record",
		},
	)

	entityWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinical_entity_writes_total",
			Help: "Current-state writes, by entity family and action",
		},
		[]string{"family", "action"},
	)

	observationTypeCacheDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinical_observation_type_cache_drops_total",
			Help: "Full drops of the observation type cache",
		},
	)

	publishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinical_publish_failures_total",
			Help: "Change batches that could not be published downstream",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRecord records a source record outcome: processed, rejected, skipped, halted or empty.
func RecordRecord(outcome string) {
	recordsProcessed.WithLabelValues(outcome).Inc()
}

// RecordEvent records one event outcome and how long it took.
func RecordEvent(kind, outcome string, duration time.Duration) {
	eventsProcessed.WithLabelValues(kind, outcome).Inc()
	eventDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCheckpoint records the committed cursor position.
func RecordCheckpoint(sequenceID int64) {
	lastSequenceID.Set(float64(sequenceID))
}

// RecordEntityWrite records a create, update or delete of one entity.
func RecordEntityWrite(family, action string) {
	entityWrites.WithLabelValues(family, action).Inc()
}

// RecordCacheDrop records a full observation type cache drop.
func RecordCacheDrop() {
	observationTypeCacheDrops.Inc()
}

// RecordPublishFailure records a failed downstream publication.
func RecordPublishFailure() {
	publishFailures.Inc()
}
