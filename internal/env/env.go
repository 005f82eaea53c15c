// Package env implements the action dispatcher: it owns the trace, enforces
// the step and time budgets, routes actions to registry handlers and turns
// every recoverable failure into an observation for the agent.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/observability"
	"github.com/jkaninda/mlbench/internal/sandbox"
	"github.com/jkaninda/mlbench/internal/trace"
	"github.com/jkaninda/mlbench/internal/workspace"
)

// Fixed observations.
const (
	TerminalObservation = "end"
	ShutdownObservation = "The environment has shut down because the maximum number of steps or time has been reached. Please submit your final answer."
	promptTooLong       = "EnvError: too long input for the tool"
)

// State is the dispatcher state.
type State string

const (
	Running State = "running"
	Final   State = "final"
)

// Config holds the fixed parameters of a run.
type Config struct {
	Task            string
	ResearchProblem string
	WorkDir         string
	Device          int
	Python          string
	MaxSteps        int
	MaxTime         time.Duration
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the operator log.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Environment) { e.logger = logger }
}

// WithReadOnly sets the read-only file set handed to handlers.
func WithReadOnly(ro action.ReadOnlyChecker) Option {
	return func(e *Environment) { e.readOnly = ro }
}

// WithTerminator sets the sandbox whose processes are reaped on Close.
func WithTerminator(t sandbox.Terminator) Option {
	return func(e *Environment) { e.terminator = t }
}

// WithMetrics records action outcomes. m may be nil.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(e *Environment) { e.metrics = m }
}

// WithAnomaly feeds the per-action error-rate detector. a may be nil.
func WithAnomaly(a *observability.AnomalyDetector) Option {
	return func(e *Environment) { e.anomaly = a }
}

// WithTracer sets the OpenTelemetry tracer used for env.execute spans.
func WithTracer(t oteltrace.Tracer) Option {
	return func(e *Environment) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the wall clock used for budgets and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Environment) { e.now = now }
}

// WithTraceOptions passes options to the trace, e.g. a run ID or sinks.
func WithTraceOptions(opts ...trace.Option) Option {
	return func(e *Environment) { e.traceOpts = append(e.traceOpts, opts...) }
}

// Environment dispatches agent actions. Execute is not safe for concurrent
// use; the read accessors are.
type Environment struct {
	cfg       Config
	registry  *action.Registry
	workspace *workspace.Workspace
	trace     *trace.Trace
	traceOpts []trace.Option

	readOnly   action.ReadOnlyChecker
	terminator sandbox.Terminator
	logger     *slog.Logger
	metrics    *observability.MetricsCollector
	anomaly    *observability.AnomalyDetector
	tracer     oteltrace.Tracer
	now        func() time.Time

	start         time.Time
	finalAnswered atomic.Bool
}

// New creates an environment over a frozen registry. The run clock starts here.
func New(cfg Config, reg *action.Registry, ws *workspace.Workspace, opts ...Option) (*Environment, error) {
	if reg == nil {
		return nil, errors.New("env: registry is required")
	}
	if ws == nil {
		return nil, errors.New("env: workspace is required")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("env: max steps must be positive, got %d", cfg.MaxSteps)
	}
	if cfg.MaxTime <= 0 {
		return nil, fmt.Errorf("env: max time must be positive, got %s", cfg.MaxTime)
	}

	e := &Environment{
		cfg:       cfg,
		registry:  reg,
		workspace: ws,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	reg.Freeze()
	e.trace = trace.New(cfg.ResearchProblem, reg.All(),
		append([]trace.Option{trace.WithLogger(e.logger), trace.WithClock(e.now)}, e.traceOpts...)...)
	e.start = e.now()
	e.metrics.SetStepsRemaining(cfg.MaxSteps)
	return e, nil
}

// Registry returns the action table.
func (e *Environment) Registry() *action.Registry { return e.registry }

// Workspace returns the run log layout.
func (e *Environment) Workspace() *workspace.Workspace { return e.workspace }

// Config returns the run parameters.
func (e *Environment) Config() Config { return e.cfg }

// RunID returns the trace run ID.
func (e *Environment) RunID() string { return e.trace.RunID() }

// Snapshot returns a deep copy of the trace.
func (e *Environment) Snapshot() trace.Snapshot { return e.trace.Snapshot() }

// AddSink attaches a trace event sink.
func (e *Environment) AddSink(s trace.Sink) { e.trace.AddSink(s) }

// Elapsed returns the wall-clock time since the run started.
func (e *Environment) Elapsed() time.Duration { return e.now().Sub(e.start) }

// IsFinal reports whether the step budget is used up, the time budget has
// elapsed or a final answer has been submitted.
func (e *Environment) IsFinal() bool {
	steps, _ := e.trace.Len()
	return steps >= e.cfg.MaxSteps ||
		e.finalAnswered.Load() ||
		e.Elapsed() >= e.cfg.MaxTime
}

// State returns Running or Final.
func (e *Environment) State() State {
	if e.IsFinal() {
		return Final
	}
	return Running
}

// Status is a point-in-time summary of the run.
type Status struct {
	RunID         string  `json:"run_id"`
	Task          string  `json:"task"`
	State         State   `json:"state"`
	Steps         int     `json:"steps"`
	LowLevelSteps int     `json:"low_level_steps"`
	MaxSteps      int     `json:"max_steps"`
	ElapsedSecs   float64 `json:"elapsed_seconds"`
	MaxTimeSecs   float64 `json:"max_time_seconds"`
}

// Status returns the current run summary.
func (e *Environment) Status() Status {
	steps, low := e.trace.Len()
	return Status{
		RunID:         e.trace.RunID(),
		Task:          e.cfg.Task,
		State:         e.State(),
		Steps:         steps,
		LowLevelSteps: low,
		MaxSteps:      e.cfg.MaxSteps,
		ElapsedSecs:   e.Elapsed().Seconds(),
		MaxTimeSecs:   e.cfg.MaxTime.Seconds(),
	}
}

// Execute runs one agent action and returns the observation. Every call
// appends exactly one step. Only a timeout or a broken backend connection
// is returned as an error; the step is not recorded in that case.
func (e *Environment) Execute(ctx context.Context, a action.Action) (string, error) {
	step, _ := e.trace.Len()
	ctx, span := e.tracer.Start(ctx, "env.execute", oteltrace.WithAttributes(
		attribute.String("action.name", a.Name),
		attribute.Int("env.step", step),
	))
	defer span.End()

	start := e.now()
	observation, outcome, err := e.dispatch(ctx, step, a)
	elapsed := e.now().Sub(start)

	e.metrics.RecordAction(a.Name, outcome, elapsed)
	span.SetAttributes(attribute.String("action.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "run aborted",
			slog.Int("step", step),
			slog.String("action", a.Name),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	switch outcome {
	case observability.OutcomeOK:
		e.anomaly.RecordSuccess(a.Name)
	case observability.OutcomeShutdown:
	default:
		e.anomaly.RecordError(a.Name)
	}

	e.trace.AppendStep(a, observation)
	if a.Name == action.FinalAnswer {
		e.finalAnswered.Store(true)
	}
	steps, _ := e.trace.Len()
	e.metrics.SetStepsRemaining(e.cfg.MaxSteps - steps)

	e.logger.InfoContext(ctx, "action executed",
		slog.Int("step", step),
		slog.String("action", a.Name),
		slog.String("outcome", outcome),
		slog.Duration("duration", elapsed),
	)
	return observation, nil
}

// dispatch classifies the action and invokes its handler. Budget and
// terminal checks come first, then the name, then the argument shape.
func (e *Environment) dispatch(ctx context.Context, step int, a action.Action) (string, string, error) {
	if e.IsFinal() {
		return ShutdownObservation, observability.OutcomeShutdown, nil
	}
	if a.Name == action.FinalAnswer {
		return TerminalObservation, observability.OutcomeOK, nil
	}

	info, ok := e.registry.Lookup(a.Name)
	if !ok {
		return e.invalidAction(a.Name), observability.OutcomeInvalid, nil
	}

	args, ok := a.ArgsMap()
	if !ok {
		return info.InvalidInputMessage(), observability.OutcomeArgumentError, nil
	}

	call := &action.Call{
		Action:          a.Name,
		Args:            args,
		Step:            step,
		WorkDir:         e.cfg.WorkDir,
		Device:          e.cfg.Device,
		Python:          e.cfg.Python,
		ReadOnly:        e.readOnly,
		ResearchProblem: e.cfg.ResearchProblem,
		LogFile:         e.workspace.ToolLogPath(step),
		Trace:           e.trace,
	}
	observation, err := info.Handler(ctx, call)
	if err == nil {
		return observation, observability.OutcomeOK, nil
	}
	return e.classify(ctx, step, a, info, err)
}

// classify maps a handler error to an observation, or to a fatal error for
// timeouts and transport failures.
func (e *Environment) classify(ctx context.Context, step int, a action.Action, info action.Info, err error) (string, string, error) {
	if isTimeout(ctx, err) {
		return "", observability.OutcomeFatal, fmt.Errorf("%w: %s at step %d: %v", action.ErrTimeout, a.Name, step, err)
	}
	if errors.Is(err, context.Canceled) {
		return "", observability.OutcomeFatal, err
	}

	var (
		genErr *action.GenerationError
		argErr *action.ArgumentError
		envErr *action.EnvError
	)
	switch {
	case errors.Is(err, action.ErrPromptTooLong):
		return promptTooLong, observability.OutcomeEnvError, nil

	case errors.As(err, &genErr):
		return "LLMError: " + genErr.Message, observability.OutcomeGenerationError, nil

	case errors.As(err, &argErr):
		e.logger.WarnContext(ctx, "invalid action arguments",
			slog.Int("step", step),
			slog.String("action", a.Name),
			slog.Any("args", a.Args),
			slog.String("error", argErr.Error()),
		)
		return "EnvError: " + info.InvalidInputMessage(), observability.OutcomeArgumentError, nil

	case errors.As(err, &envErr):
		switch {
		case errors.Is(err, guard.ErrOutsideWorkDir):
			e.metrics.RecordGuardRejection("containment")
		case errors.Is(err, guard.ErrReadOnly):
			e.metrics.RecordGuardRejection("read_only")
		}
		return "EnvError: " + envErr.Message, observability.OutcomeEnvError, nil

	case action.IsTransportFailure(err):
		if !errors.Is(err, action.ErrConnectionAborted) {
			err = fmt.Errorf("%w: %v", action.ErrConnectionAborted, err)
		}
		return "", observability.OutcomeFatal, err
	}

	e.logger.ErrorContext(ctx, "unexpected error executing action",
		slog.Int("step", step),
		slog.String("action", a.Name),
		slog.Any("args", a.Args),
		slog.String("error", err.Error()),
	)
	return fmt.Sprintf("EnvError: Error executing %s.", a.Name), observability.OutcomeUnexpected, nil
}

func (e *Environment) invalidAction(name string) string {
	return fmt.Sprintf("Invalid action: %s. ActionInfo did not execute. Please use one of the following actions:\n%s",
		name, strings.Join(e.registry.Names(), ", "))
}

// isTimeout reports a run-level timeout: the sentinel, or the run deadline
// itself having passed. A deadline error from a per-execution sandbox limit
// arrives with a live run context and is not fatal.
func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, action.ErrTimeout) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}
