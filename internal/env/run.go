package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/agent"
	"github.com/jkaninda/mlbench/internal/trace"
)

// Run drives the environment with ag until the run is final, the agent is
// done, or the time budget expires. The whole run executes under a deadline
// of MaxTime measured from New.
func (e *Environment) Run(ctx context.Context, ag agent.Agent) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxTime-e.Elapsed())
	defer cancel()

	for !e.IsFinal() {
		a, err := ag.Next(runCtx, e.Snapshot())
		if errors.Is(err, agent.ErrDone) {
			e.logger.InfoContext(ctx, "agent finished", slog.Int("steps", e.Status().Steps))
			return nil
		}
		if err != nil {
			if isTimeout(runCtx, err) {
				return fmt.Errorf("%w: waiting for agent: %v", action.ErrTimeout, err)
			}
			return fmt.Errorf("agent: %w", err)
		}
		if _, err := e.Execute(runCtx, a); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the run: it terminates and reaps sandbox processes, records
// runErr in error.txt when non-nil, writes overall_time.txt and dumps the
// trace to trace.json. Failures are joined and returned.
func (e *Environment) Close(runErr error) error {
	var errs []error

	if e.terminator != nil {
		if n := e.terminator.TerminateAll(); n > 0 {
			e.logger.Warn("terminated running sandbox processes", slog.Int("count", n))
		}
	}

	if runErr != nil {
		if err := os.WriteFile(e.workspace.ErrorPath(), []byte(runErr.Error()+"\n"), 0644); err != nil {
			errs = append(errs, fmt.Errorf("writing error record: %w", err))
		} else {
			e.logger.Info("error message saved", slog.String("path", e.workspace.ErrorPath()))
		}
	}

	elapsed := strconv.FormatFloat(e.Elapsed().Seconds(), 'f', -1, 64)
	if err := os.WriteFile(e.workspace.OverallTimePath(), []byte(elapsed), 0644); err != nil {
		errs = append(errs, fmt.Errorf("writing overall time: %w", err))
	}

	if err := trace.Dump(e.workspace.TracePath(), e.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("dumping trace: %w", err))
	}

	return errors.Join(errs...)
}
