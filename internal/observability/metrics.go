package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Action outcomes used as metric labels.
const (
	OutcomeOK              = "ok"
	OutcomeEnvError        = "env_error"
	OutcomeArgumentError   = "argument_error"
	OutcomeGenerationError = "generation_error"
	OutcomeInvalid         = "invalid"
	OutcomeShutdown        = "shutdown"
	OutcomeFatal           = "fatal"
	OutcomeUnexpected      = "unexpected"
)

// MetricsCollector holds all Prometheus metrics for mlbench.
// It uses a custom registry; nothing is registered globally.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Dispatcher metrics.
	ActionsTotal         *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	GuardRejectionsTotal *prometheus.CounterVec
	StepsTotal           *prometheus.CounterVec
	StepsRemaining       prometheus.Gauge

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// HTTP inspect server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "action",
			Name:      "executions_total",
			Help:      "Total dispatched actions by outcome.",
		}, []string{"action", "outcome"}),

		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlbench",
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Action handling duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"action"}),

		GuardRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Actions rejected by the containment or read-only guard.",
		}, []string{"guard"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "trace",
			Name:      "steps_total",
			Help:      "Steps appended to the trace.",
		}, []string{"kind"}),

		StepsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlbench",
			Subsystem: "trace",
			Name:      "steps_remaining",
			Help:      "Steps left before the step budget is exhausted.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlbench",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlbench",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlbench",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlbench",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ActionsTotal,
		m.ActionDuration,
		m.GuardRejectionsTotal,
		m.StepsTotal,
		m.StepsRemaining,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordAction counts one dispatched action. Nil-safe.
func (m *MetricsCollector) RecordAction(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(name, outcome).Inc()
	m.ActionDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordGuardRejection counts a guard rejection. Nil-safe.
func (m *MetricsCollector) RecordGuardRejection(guard string) {
	if m == nil {
		return
	}
	m.GuardRejectionsTotal.WithLabelValues(guard).Inc()
}

// SetStepsRemaining updates the budget gauge. Nil-safe.
func (m *MetricsCollector) SetStepsRemaining(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.StepsRemaining.Set(float64(n))
}
