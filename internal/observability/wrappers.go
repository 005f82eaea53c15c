package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mlbench/internal/sandbox"
	mltrace "github.com/jkaninda/mlbench/internal/trace"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox with metrics, tracing and anomaly detection.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
				attribute.String("sandbox.command", firstArg(req.Command)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if span != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	if err != nil {
		s.anomaly.RecordError("sandbox_" + s.sandboxType)
	} else {
		s.anomaly.RecordSuccess("sandbox_" + s.sandboxType)
	}

	return result, err
}

func (s *InstrumentedSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	ctx, end := s.span(ctx, "sandbox.read_file", path)
	content, err := s.inner.ReadFile(ctx, path)
	end(err)
	return content, err
}

func (s *InstrumentedSandbox) WriteFile(ctx context.Context, path, content string) error {
	ctx, end := s.span(ctx, "sandbox.write_file", path)
	err := s.inner.WriteFile(ctx, path, content)
	end(err)
	return err
}

// TerminateAll forwards to the wrapped sandbox when it tracks processes.
func (s *InstrumentedSandbox) TerminateAll() int {
	if t, ok := s.inner.(sandbox.Terminator); ok {
		return t.TerminateAll()
	}
	return 0
}

func (s *InstrumentedSandbox) span(ctx context.Context, name, path string) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("sandbox.type", s.sandboxType),
		attribute.String("file.path", path),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func firstArg(cmd []string) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// --- MetricsSink ---

// MetricsSink counts trace events. It is attached to the trace as a sink.
type MetricsSink struct {
	metrics *MetricsCollector
}

// NewMetricsSink returns a sink feeding m; nil m yields a no-op sink.
func NewMetricsSink(m *MetricsCollector) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Publish(_ context.Context, ev mltrace.Event) error {
	if s.metrics == nil {
		return nil
	}
	s.metrics.StepsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Compile-time interface checks.
var (
	_ sandbox.Sandbox    = (*InstrumentedSandbox)(nil)
	_ sandbox.Terminator = (*InstrumentedSandbox)(nil)
	_ mltrace.Sink       = (*MetricsSink)(nil)
)
