package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels events that were stored.
	OutcomeSuccess = "success"
	// OutcomeError labels events rejected or failed by the engine.
	OutcomeError = "error"
)

var (
	eventsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_events",
			Name:      "events_stored_total",
			Help:      "Total number of ingested events, partitioned by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	storeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_events",
			Name:      "store_seconds",
			Help:      "Latency of the aggregation write path in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	groupsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_events",
			Name:      "groups_created_total",
			Help:      "Total number of groups created, partitioned by event type.",
		},
		[]string{"type"},
	)

	retentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_events",
			Name:      "retention_deleted_total",
			Help:      "Records removed by the retention sweeper, partitioned by kind.",
		},
		[]string{"kind"},
	)

	collectorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_events",
			Name:      "collector_requests_total",
			Help:      "HTTP collector requests, partitioned by route and status code.",
		},
		[]string{"route", "code"},
	)
)

// Register attaches mirador-events collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsStoredTotal,
		storeDurationSeconds,
		groupsCreatedTotal,
		retentionDeletedTotal,
		collectorRequestsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStore records one pass through the write path.
func ObserveStore(eventType string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	eventsStoredTotal.WithLabelValues(eventType, label).Inc()
	if duration < 0 {
		duration = 0
	}
	storeDurationSeconds.Observe(duration.Seconds())
}

// GroupCreated counts a newly created group.
func GroupCreated(eventType string) {
	groupsCreatedTotal.WithLabelValues(eventType).Inc()
}

// RetentionDeleted counts records removed by a sweep.
func RetentionDeleted(kind string, n int) {
	if n <= 0 {
		return
	}
	retentionDeletedTotal.WithLabelValues(kind).Add(float64(n))
}

// CollectorRequest counts one HTTP collector response.
func CollectorRequest(route string, code int) {
	collectorRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
