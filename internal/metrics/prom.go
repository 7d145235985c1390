package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts events handled by a community worker, by kind.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidguard_events_processed_total",
			Help: "Total number of events processed",
		},
		[]string{"kind"},
	)

	// EventsDropped counts events rejected before reaching a worker.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidguard_events_dropped_total",
			Help: "Total number of events dropped",
		},
		[]string{"reason"},
	)

	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raidguard_risk_score",
			Help:    "Distribution of raid risk scores",
			Buckets: []float64{0.1, 0.25, 0.3, 0.5, 0.6, 0.75, 0.85, 0.9, 0.95, 1},
		},
	)

	IncidentsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidguard_incidents_total",
			Help: "Total number of raid incidents recorded, by advisory action",
		},
		[]string{"action"},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raidguard_notification_failures_total",
			Help: "Total number of failed incident notifications",
		},
	)

	// NotificationsDropped counts notifications discarded because the
	// guild's send queue was full.
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raidguard_notifications_dropped_total",
			Help: "Total number of notifications dropped on a full queue",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidguard_store_errors_total",
			Help: "Total number of persistence failures, by operation",
		},
		[]string{"op"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raidguard_active_workers",
			Help: "Number of live per-community workers",
		},
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raidguard_event_duration_seconds",
			Help:    "Time spent processing one event inside its community worker",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
)

func ObserveEvent(kind string, d time.Duration) {
	EventsProcessed.WithLabelValues(kind).Inc()
	ProcessDuration.Observe(d.Seconds())
}
