// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records Prometheus metrics for the HTTP boundary,
// task processing and blob storage. Metrics register through promauto, so one
// Collector per process namespace.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Task metrics
	tasksSubmittedTotal    *prometheus.CounterVec
	taskTransitionsTotal   *prometheus.CounterVec
	taskProcessingDuration prometheus.Histogram
	taskRetriesTotal       prometheus.Counter
	taskConflictsTotal     prometheus.Counter
	tasksQueued            prometheus.Gauge

	// Blob metrics
	blobOpsTotal   *prometheus.CounterVec
	blobOpDuration *prometheus.HistogramVec
	blobBytesTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP metrics
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Task metrics
	c.tasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"result"}, // created, deduplicated, rejected
	)

	c.taskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.taskProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_processing_duration_seconds",
			Help:      "Task processing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.taskRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task processing retries",
		},
	)

	c.taskConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_conflicts_total",
			Help:      "Total number of conditioned updates lost to a concurrent writer",
		},
	)

	c.tasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Number of tasks waiting for a worker",
		},
	)

	// Blob metrics
	c.blobOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_operations_total",
			Help:      "Total number of blob store operations",
		},
		[]string{"operation", "status"},
	)

	c.blobOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blob_operation_duration_seconds",
			Help:      "Blob store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	c.blobBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_bytes_total",
			Help:      "Total bytes moved through the blob store",
		},
		[]string{"direction"}, // in, out
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordTaskSubmitted records a submission outcome: created, deduplicated or
// rejected.
func (c *Collector) RecordTaskSubmitted(result string) {
	c.tasksSubmittedTotal.WithLabelValues(result).Inc()
}

// RecordTaskTransition records one task state transition.
func (c *Collector) RecordTaskTransition(fromState, toState string) {
	c.taskTransitionsTotal.WithLabelValues(fromState, toState).Inc()
}

// RecordTaskProcessed records the processing duration of a finished task.
func (c *Collector) RecordTaskProcessed(duration time.Duration) {
	c.taskProcessingDuration.Observe(duration.Seconds())
}

// RecordTaskRetry records one processing retry.
func (c *Collector) RecordTaskRetry() {
	c.taskRetriesTotal.Inc()
}

// RecordTaskConflict records a conditioned update lost to another writer.
func (c *Collector) RecordTaskConflict() {
	c.taskConflictsTotal.Inc()
}

// SetQueueDepth records the current queue depth.
func (c *Collector) SetQueueDepth(depth int) {
	c.tasksQueued.Set(float64(depth))
}

// RecordBlobOp records one blob store operation.
func (c *Collector) RecordBlobOp(operation, status string, duration time.Duration) {
	c.blobOpsTotal.WithLabelValues(operation, status).Inc()
	c.blobOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBlobBytes records bytes written to (in) or read from (out) the store.
func (c *Collector) RecordBlobBytes(direction string, n int64) {
	c.blobBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// statusCode maps an HTTP status code to its class label.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
