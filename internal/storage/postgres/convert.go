package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/storage"
	"github.com/jkaninda/mlbench/internal/trace"
)

// --- Run ---

func toRunModel(r *storage.Run) RunModel {
	return RunModel{
		ID:              r.ID,
		Task:            r.Task,
		ResearchProblem: r.ResearchProblem,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		FinishedAt:      r.FinishedAt,
		ElapsedMS:       r.Elapsed.Milliseconds(),
	}
}

func toRunDomain(m *RunModel) *storage.Run {
	return &storage.Run{
		ID:              m.ID,
		Task:            m.Task,
		ResearchProblem: m.ResearchProblem,
		Status:          storage.RunStatus(m.Status),
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		Elapsed:         time.Duration(m.ElapsedMS) * time.Millisecond,
	}
}

// --- Step ---

func toStepModel(runID string, kind trace.Kind, index int, s trace.Step) (StepModel, error) {
	args, err := json.Marshal(s.Action.Args)
	if err != nil {
		return StepModel{}, err
	}
	return StepModel{
		ID:          uuid.New(),
		RunID:       runID,
		Kind:        string(kind),
		Index:       index,
		ActionName:  s.Action.Name,
		ActionArgs:  JSONB(args),
		Observation: s.Observation,
		Timestamp:   s.Timestamp.UTC(),
	}, nil
}

func toStepDomain(m *StepModel) trace.Step {
	var args any
	if len(m.ActionArgs) > 0 {
		_ = json.Unmarshal(m.ActionArgs, &args)
	}
	return trace.Step{
		Action:      action.Action{Name: m.ActionName, Args: args},
		Observation: m.Observation,
		Timestamp:   m.Timestamp,
	}
}
