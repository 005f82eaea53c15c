// Package agent contains the policies that drive an environment: the
// baseline policy, a replay policy for recorded action logs, and the
// helpers that select and describe the actions shown in an agent prompt.
package agent

import (
	"context"
	"errors"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/trace"
)

// ErrDone is returned by Next when the agent has no further actions.
var ErrDone = errors.New("agent has no further actions")

// Agent chooses the next action from the run history.
type Agent interface {
	Next(ctx context.Context, history trace.Snapshot) (action.Action, error)
}

// Baseline runs the training script once and submits.
type Baseline struct {
	Script string
}

// NewBaseline returns a baseline agent for script, defaulting to train.py.
func NewBaseline(script string) *Baseline {
	if script == "" {
		script = "train.py"
	}
	return &Baseline{Script: script}
}

func (b *Baseline) Next(_ context.Context, history trace.Snapshot) (action.Action, error) {
	switch len(history.Steps) {
	case 0:
		return action.Action{Name: "Execute Script", Args: map[string]any{"script_name": b.Script}}, nil
	case 1:
		return action.Action{Name: action.FinalAnswer, Args: "Done!"}, nil
	default:
		return action.Action{}, ErrDone
	}
}
