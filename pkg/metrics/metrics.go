// Package metrics provides prometheus instrumentation for qbridge.
// Collectors cover the extraction hot path: records emitted, pages
// fetched, remote request latency, and rate-limit back-off events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsExtracted tracks records emitted per stream.
	// Labels: stream (normalized table name), status (success/failure)
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbridge_records_extracted_total",
			Help: "Total number of records extracted",
		},
		[]string{"stream", "status"},
	)

	// PagesFetched tracks record-query pages fetched per stream.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbridge_pages_fetched_total",
			Help: "Total number of record query pages fetched",
		},
		[]string{"stream"},
	)

	// RequestLatency tracks remote API request latency.
	// Labels: endpoint (tables/fields/records)
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qbridge_request_latency_seconds",
			Help:    "Remote API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// RateLimitSleeps tracks how often the client slept on low quota.
	RateLimitSleeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qbridge_rate_limit_sleeps_total",
			Help: "Number of times the client slept waiting for rate limit reset",
		},
	)

	// TablesDiscovered reports the table count of the last discovery pass.
	TablesDiscovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbridge_tables_discovered",
			Help: "Number of tables found during the last discovery",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start    time.Time
	endpoint string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(endpoint string) *Timer {
	return &Timer{start: time.Now(), endpoint: endpoint}
}

// Stop observes the elapsed time on RequestLatency and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	RequestLatency.WithLabelValues(t.endpoint).Observe(elapsed.Seconds())
	return elapsed
}
