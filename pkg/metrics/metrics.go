// Package metrics provides Prometheus collectors for the sync engine.
// Metrics are registered automatically via promauto and labeled by entity
// kind so per-unit behavior is observable without parsing logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed counts records by entity and outcome
	// (inserted, updated, failed).
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "records_processed_total",
			Help:      "Total records processed by entity kind and outcome",
		},
		[]string{"entity", "outcome"},
	)

	// PagesFetched counts source pages fetched by entity.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "pages_fetched_total",
			Help:      "Total source pages fetched by entity kind",
		},
		[]string{"entity"},
	)

	// RequestRetries counts transient source failures that triggered a retry.
	RequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "request_retries_total",
			Help:      "Total page requests retried after a transient failure",
		},
		[]string{"entity"},
	)

	// UnitDuration observes wall time per sync unit.
	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crmsync",
			Name:      "unit_duration_seconds",
			Help:      "Sync unit duration by entity kind and terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"entity", "status"},
	)

	// RateLimitWait observes time spent waiting on the shared token bucket.
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crmsync",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent blocked on the source rate limiter",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)
