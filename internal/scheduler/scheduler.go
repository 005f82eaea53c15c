// Package scheduler writes periodic trace checkpoints while a run is in
// progress, so a crashed or killed run still leaves its steps on disk.
//
// Checkpoints are read-only snapshots: the scheduler never mutates the trace.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/mlbench/internal/trace"
	"github.com/jkaninda/mlbench/internal/workspace"
)

// Snapshotter is the read side of a run.
type Snapshotter interface {
	Snapshot() trace.Snapshot
}

// Scheduler fires checkpoints on a cron schedule.
// It runs as a background goroutine next to the environment loop.
type Scheduler struct {
	source   Snapshotter
	ws       *workspace.Workspace
	schedule cron.Schedule
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastSteps int
	lastLow   int
}

// New creates a Scheduler. metrics may be nil.
func New(source Snapshotter, ws *workspace.Workspace, schedule cron.Schedule, metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:    source,
		ws:        ws,
		schedule:  schedule,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		lastSteps: -1,
		lastLow:   -1,
	}
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "checkpoint scheduler started",
			slog.String("dir", s.ws.TracesDir()),
		)

		for {
			now := s.now()
			timer := time.NewTimer(s.schedule.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("checkpoint scheduler stopped")
				return
			case <-timer.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs a single checkpoint cycle and records its duration.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	if _, _, err := s.Checkpoint(ctx); err != nil {
		s.logger.ErrorContext(ctx, "checkpoint failed",
			slog.String("error", err.Error()),
		)
	}
	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// Checkpoint dumps the current snapshot to traces/ and refreshes trace.json.
// It is skipped when nothing was appended since the previous checkpoint.
func (s *Scheduler) Checkpoint(ctx context.Context) (path string, written bool, err error) {
	snap := s.source.Snapshot()
	steps, low := len(snap.Steps), len(snap.LowLevelSteps)

	s.mu.Lock()
	defer s.mu.Unlock()

	if steps == s.lastSteps && low == s.lastLow {
		if s.metrics != nil {
			s.metrics.CheckpointsSkipped.Inc()
		}
		return "", false, nil
	}

	path = s.ws.CheckpointPath(fmt.Sprintf("step_%d_low_%d", steps, low))
	if err := trace.Dump(path, snap); err != nil {
		if s.metrics != nil {
			s.metrics.CheckpointsFailed.Inc()
		}
		return "", false, fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := trace.Dump(s.ws.TracePath(), snap); err != nil {
		if s.metrics != nil {
			s.metrics.CheckpointsFailed.Inc()
		}
		return path, true, fmt.Errorf("refreshing trace: %w", err)
	}

	s.lastSteps, s.lastLow = steps, low
	if s.metrics != nil {
		s.metrics.CheckpointsWritten.Inc()
	}
	s.logger.DebugContext(ctx, "checkpoint written",
		slog.String("path", path),
		slog.Int("steps", steps),
		slog.Int("low_level_steps", low),
	)
	return path, true, nil
}
