// Package metrics provides Prometheus metrics for the register collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Collection cycle metrics
	CyclesTotal        *prometheus.CounterVec
	CyclesSkipped      prometheus.Counter
	CycleDuration      prometheus.Histogram
	RegistersRead      prometheus.Counter
	RegistersFailed    prometheus.Counter
	ValidationWarnings prometheus.Counter
	CollectorRunning   prometheus.Gauge

	// Sink metrics
	RowsWritten prometheus.Counter
	SinkErrors  prometheus.Counter

	// Transport metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ReadErrors        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "cycles",
			Name:      "total",
			Help:      "Total number of collection cycles by outcome",
		}, []string{"status"}),
		CyclesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "cycles",
			Name:      "skipped_total",
			Help:      "Ticks skipped because the previous cycle was still in flight",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collector",
			Subsystem: "cycles",
			Name:      "duration_seconds",
			Help:      "Collection cycle duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RegistersRead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "registers",
			Name:      "read_total",
			Help:      "Total number of register values decoded successfully",
		}),
		RegistersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "registers",
			Name:      "failed_total",
			Help:      "Total number of register values that failed to read or decode",
		}),
		ValidationWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "validation",
			Name:      "warnings_total",
			Help:      "Total number of batch validation warnings",
		}),
		CollectorRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "collector",
			Subsystem: "session",
			Name:      "running",
			Help:      "1 while a collection session is running",
		}),

		RowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "sink",
			Name:      "rows_written_total",
			Help:      "Total number of data rows appended to the sink",
		}),
		SinkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Total number of sink write failures",
		}),

		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}),
		ReadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Subsystem: "modbus",
			Name:      "read_errors_total",
			Help:      "Total number of Modbus read errors by type",
		}, []string{"error_type"}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "collector",
			Subsystem: "modbus",
			Name:      "active_connections",
			Help:      "Number of active Modbus connections",
		}),
	}
}

// RecordCycle records a completed cycle with its outcome and duration.
func (r *Registry) RecordCycle(status string, durationSeconds float64, read, failed int) {
	r.CyclesTotal.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(durationSeconds)
	r.RegistersRead.Add(float64(read))
	r.RegistersFailed.Add(float64(failed))
}

// RecordCycleSkipped records a tick skipped by the single-flight guard.
func (r *Registry) RecordCycleSkipped() {
	r.CyclesSkipped.Inc()
}

// RecordRowWritten records a successful sink append.
func (r *Registry) RecordRowWritten() {
	r.RowsWritten.Inc()
}

// RecordSinkError records a sink write failure.
func (r *Registry) RecordSinkError() {
	r.SinkErrors.Inc()
}

// RecordValidationWarnings adds to the validation warning counter.
func (r *Registry) RecordValidationWarnings(n int) {
	r.ValidationWarnings.Add(float64(n))
}

// SetRunning flips the session gauge.
func (r *Registry) SetRunning(running bool) {
	if running {
		r.CollectorRunning.Set(1)
	} else {
		r.CollectorRunning.Set(0)
	}
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
}

// RecordReadError records a transport read error by type.
func (r *Registry) RecordReadError(errorType string) {
	r.ReadErrors.WithLabelValues(errorType).Inc()
}

// UpdateActiveConnections updates the active connections gauge.
func (r *Registry) UpdateActiveConnections(count int) {
	r.ActiveConnections.Set(float64(count))
}
