// Package metrics centralizes Prometheus metric registration for the
// replication pipeline. Registration happens once at process start; the
// collectors are passed around implicitly through these package helpers so
// every component records against the same registry.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter for events replicated per destination and table
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_events_processed_total",
			Help: "Total events processed by destination",
		},
		[]string{"destination", "table"},
	)

	// Counter for pipeline errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_errors_total",
			Help: "Total errors by destination and error type",
		},
		[]string{"destination", "error_type"},
	)

	// Counter for delete events a destination cannot represent
	EventsDroppedUnsupportedOp = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_events_dropped_unsupported_op_total",
			Help: "Events dropped because the destination does not support the operation",
		},
		[]string{"destination"},
	)

	// Counter for dead-lettered events
	EventsDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_events_dead_lettered_total",
			Help: "Total events routed to the dead-letter queue",
		},
		[]string{"destination", "error_type"},
	)

	// Gauge for replication lag behind the source
	ReplicationLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_replication_lag_seconds",
			Help: "Replication lag in seconds behind the source",
		},
		[]string{"destination"},
	)

	// Gauge for throughput moving average
	EventsPerSecond = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_events_per_second",
			Help: "Current throughput (events/sec moving average)",
		},
		[]string{"destination"},
	)

	// Gauge for uncommitted buffered events
	BacklogDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_backlog_depth",
			Help: "Number of uncommitted events buffered",
		},
		[]string{"destination"},
	)

	// Gauge for in-flight batches per destination
	InFlightBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_in_flight_batches",
			Help: "Sealed or committing batches per destination",
		},
		[]string{"destination"},
	)

	// Histogram for batch replication duration
	ReplicationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdc_replication_duration_seconds",
			Help:    "Time taken to replicate an event batch",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"destination"},
	)

	// Counter for tailer frames read
	TailerEntriesReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_tailer_entries_read_total",
			Help: "Framed commit-log entries read per segment",
		},
		[]string{"segment"},
	)

	// Counter for corrupt frames
	CorruptFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdc_corrupt_frames_total",
			Help: "Corrupt frames that halted a segment",
		},
	)

	// Counter for offset commits
	OffsetCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_offset_commits_total",
			Help: "Offset commits per destination",
		},
		[]string{"destination"},
	)

	// Gauge for tables paused by schema incompatibility
	TablesPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdc_tables_paused",
			Help: "Tables currently paused due to schema incompatibility",
		},
	)

	// Counter for retry attempts
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_retry_attempts_total",
			Help: "Retry attempts per destination",
		},
		[]string{"destination"},
	)

	// Counter for masked columns per strategy
	ColumnsMaskedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_columns_masked_total",
			Help: "Column values masked, by strategy",
		},
		[]string{"strategy"},
	)

	// Gauge for destination health (1 up, 0 down)
	DestinationUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_destination_up",
			Help: "Destination health (1 = up, 0 = down)",
		},
		[]string{"destination"},
	)

	// Histogram for destination health-check latency
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdc_health_check_duration_seconds",
			Help:    "Destination health check latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"destination"},
	)

	// Process resource gauges fed by pkg/monitoring
	MemoryUsageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
		[]string{"type"},
	)

	CPUUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdc_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdc_goroutines",
			Help: "Number of goroutines",
		},
	)
)

// RecordEventsProcessed increments the processed counter for a destination.
func RecordEventsProcessed(destination, table string, count int) {
	EventsProcessedTotal.WithLabelValues(destination, table).Add(float64(count))
}

// RecordError increments the error counter.
func RecordError(destination, errorType string) {
	ErrorsTotal.WithLabelValues(destination, errorType).Inc()
}

// RecordDeadLetter accounts an event routed to the DLQ.
func RecordDeadLetter(destination, errorType string) {
	EventsDeadLetteredTotal.WithLabelValues(destination, errorType).Inc()
}

// RecordReplicationDuration observes one batch commit.
func RecordReplicationDuration(destination string, duration time.Duration) {
	ReplicationDurationSeconds.WithLabelValues(destination).Observe(duration.Seconds())
}

// SetReplicationLag publishes the lag gauge for a destination.
func SetReplicationLag(destination string, lagSeconds float64) {
	ReplicationLagSeconds.WithLabelValues(destination).Set(lagSeconds)
}

// SetBacklogDepth publishes the buffered-events gauge for a destination.
func SetBacklogDepth(destination string, depth int) {
	BacklogDepth.WithLabelValues(destination).Set(float64(depth))
}

// SetDestinationHealth publishes the up/down gauge and check latency.
func SetDestinationHealth(destination string, up bool, latency time.Duration) {
	value := 0.0
	if up {
		value = 1.0
	}
	DestinationUp.WithLabelValues(destination).Set(value)
	HealthCheckDuration.WithLabelValues(destination).Observe(latency.Seconds())
}

// UpdateRuntimeGauges refreshes the process-level gauges.
func UpdateRuntimeGauges() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryUsageBytes.WithLabelValues("alloc").Set(float64(memStats.Alloc))
	MemoryUsageBytes.WithLabelValues("sys").Set(float64(memStats.Sys))
	MemoryUsageBytes.WithLabelValues("heap_inuse").Set(float64(memStats.HeapInuse))
	Goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
