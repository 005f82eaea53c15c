package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the checkpoint scheduler.
type Metrics struct {
	CheckpointsWritten prometheus.Counter
	CheckpointsSkipped prometheus.Counter
	CheckpointsFailed  prometheus.Counter
	TickDuration       prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		CheckpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "checkpoint",
			Name:      "written_total",
			Help:      "Total trace checkpoints written.",
		}),
		CheckpointsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "checkpoint",
			Name:      "skipped_total",
			Help:      "Total checkpoint ticks skipped because the trace had not grown.",
		}),
		CheckpointsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "checkpoint",
			Name:      "failed_total",
			Help:      "Total checkpoint writes that failed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mlbench",
			Subsystem: "checkpoint",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each checkpoint tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.CheckpointsWritten,
		m.CheckpointsSkipped,
		m.CheckpointsFailed,
		m.TickDuration,
	)

	return m
}
