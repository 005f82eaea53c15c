// Package trace is the append-only record of a run: one step per top-level
// action plus every low-level file or process operation, in execution order.
//
// The Environment owns the live Trace. Handlers append to it through the
// action.StepRecorder interface; everyone else reads deep-copied snapshots.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/mlbench/internal/action"
)

// Step is one recorded action and the observation it produced.
type Step struct {
	Action      action.Action `json:"action"`
	Observation string        `json:"observation"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Kind tells which sequence a step was appended to.
type Kind string

const (
	KindStep     Kind = "step"
	KindLowLevel Kind = "low_level"
)

// Event is published to sinks after each append.
type Event struct {
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`
	Index int    `json:"index"`
	Step  Step   `json:"step"`
}

// Sink receives every appended step. Publish errors are logged, never returned.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Snapshot is a point-in-time deep copy of a trace.
type Snapshot struct {
	RunID           string        `json:"run_id"`
	Steps           []Step        `json:"steps"`
	LowLevelSteps   []Step        `json:"low_level_steps"`
	ActionInfos     []action.Info `json:"action_infos"`
	TaskDescription string        `json:"task_description"`
}

// Option configures a Trace.
type Option func(*Trace)

// WithRunID tags published events and snapshots.
func WithRunID(id string) Option {
	return func(t *Trace) { t.runID = id }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trace) { t.logger = logger }
}

// WithSinks attaches sinks at construction.
func WithSinks(sinks ...Sink) Option {
	return func(t *Trace) { t.sinks = append(t.sinks, sinks...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trace) { t.now = now }
}

// Trace is the live, mutex-guarded record of a run.
type Trace struct {
	mu       sync.RWMutex
	steps    []Step
	lowLevel []Step
	infos    []action.Info
	task     string
	last     time.Time

	runID  string
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty trace with the registry snapshot and task description.
func New(task string, infos []action.Info, opts ...Option) *Trace {
	t := &Trace{
		infos:  append([]action.Info(nil), infos...),
		task:   task,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddSink attaches a sink. Steps appended earlier are not replayed.
func (t *Trace) AddSink(s Sink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
}

// RunID returns the run identifier.
func (t *Trace) RunID() string { return t.runID }

// AppendStep records a top-level action.
func (t *Trace) AppendStep(a action.Action, observation string) Step {
	return t.append(KindStep, a, observation)
}

// RecordLowLevel records a physical operation. It implements action.StepRecorder.
func (t *Trace) RecordLowLevel(a action.Action, observation string) {
	t.append(KindLowLevel, a, observation)
}

func (t *Trace) append(kind Kind, a action.Action, observation string) Step {
	t.mu.Lock()
	ts := t.now()
	if ts.Before(t.last) {
		ts = t.last
	}
	t.last = ts

	s := Step{Action: a.Clone(), Observation: observation, Timestamp: ts}
	var idx int
	if kind == KindStep {
		t.steps = append(t.steps, s)
		idx = len(t.steps) - 1
	} else {
		t.lowLevel = append(t.lowLevel, s)
		idx = len(t.lowLevel) - 1
	}
	sinks := t.sinks
	t.mu.Unlock()

	if len(sinks) > 0 {
		ev := Event{RunID: t.runID, Kind: kind, Index: idx, Step: Step{Action: s.Action.Clone(), Observation: s.Observation, Timestamp: s.Timestamp}}
		for _, sink := range sinks {
			if err := sink.Publish(context.Background(), ev); err != nil {
				t.logger.Warn("trace sink publish failed",
					slog.String("kind", string(kind)),
					slog.Int("index", idx),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return s
}

// Len returns the number of top-level and low-level steps.
func (t *Trace) Len() (steps, lowLevel int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.steps), len(t.lowLevel)
}

// Last returns the most recent top-level step.
func (t *Trace) Last() (Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.steps) == 0 {
		return Step{}, false
	}
	return cloneStep(t.steps[len(t.steps)-1]), true
}

// Snapshot returns a deep copy of the current state.
func (t *Trace) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		RunID:           t.runID,
		Steps:           cloneSteps(t.steps),
		LowLevelSteps:   cloneSteps(t.lowLevel),
		ActionInfos:     append([]action.Info(nil), t.infos...),
		TaskDescription: t.task,
	}
}

func cloneSteps(in []Step) []Step {
	out := make([]Step, len(in))
	for i, s := range in {
		out[i] = cloneStep(s)
	}
	return out
}

func cloneStep(s Step) Step {
	return Step{Action: s.Action.Clone(), Observation: s.Observation, Timestamp: s.Timestamp}
}
