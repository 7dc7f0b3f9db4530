// Package metrics exposes Prometheus instrumentation for the worker.
// Metrics are opt-in: until InitRegistry is called every constructor
// returns nil and the recording methods are nil-safe no-ops.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// InitRegistry creates the process-wide registry with the standard Go
// and process collectors. Safe to call more than once.
func InitRegistry() {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return registry != nil
}

// GetRegistry returns the process registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// WorkerMetrics counts batch outcomes and pipeline volume.
type WorkerMetrics struct {
	tasksSucceeded prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksSkipped   prometheus.Counter
	tasksRecovered prometheus.Counter
	taskDuration   prometheus.Histogram
	rowsWritten    prometheus.Counter
	bytesFetched   prometheus.Counter
}

// NewWorkerMetrics creates the worker instrument set, or nil when
// metrics are disabled.
func NewWorkerMetrics() *WorkerMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &WorkerMetrics{
		tasksSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_tasks_succeeded_total",
			Help: "Tasks that reached completed state",
		}),
		tasksFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_tasks_failed_total",
			Help: "Tasks that reached failed state",
		}),
		tasksSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_tasks_skipped_total",
			Help: "Tasks skipped because another worker held the file lock",
		}),
		tasksRecovered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_tasks_recovered_total",
			Help: "Stale processing tasks reset back to pending",
		}),
		taskDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "transformat_task_duration_seconds",
			Help:    "Wall time spent processing one task",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		rowsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_rows_written_total",
			Help: "Rows written to columnar output",
		}),
		bytesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "transformat_bytes_fetched_total",
			Help: "Bytes fetched from the transfer endpoint",
		}),
	}
}

// TaskSucceeded records a completed task and its duration in seconds.
func (m *WorkerMetrics) TaskSucceeded(seconds float64) {
	if m == nil {
		return
	}
	m.tasksSucceeded.Inc()
	m.taskDuration.Observe(seconds)
}

// TaskFailed records a failed task and its duration in seconds.
func (m *WorkerMetrics) TaskFailed(seconds float64) {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
	m.taskDuration.Observe(seconds)
}

// TaskSkipped records a task skipped over lock contention.
func (m *WorkerMetrics) TaskSkipped() {
	if m == nil {
		return
	}
	m.tasksSkipped.Inc()
}

// TaskRecovered records one stale task reset to pending.
func (m *WorkerMetrics) TaskRecovered() {
	if m == nil {
		return
	}
	m.tasksRecovered.Inc()
}

// RowsWritten adds to the output row counter.
func (m *WorkerMetrics) RowsWritten(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsWritten.Add(float64(n))
}

// BytesFetched adds to the transfer volume counter.
func (m *WorkerMetrics) BytesFetched(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesFetched.Add(float64(n))
}
