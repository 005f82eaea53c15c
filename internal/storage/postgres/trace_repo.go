package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/mlbench/internal/storage"
	"github.com/jkaninda/mlbench/internal/trace"
)

// TraceRepository implements storage.TraceStore with GORM.
// It is shared by the PostgreSQL and SQLite backends.
type TraceRepository struct {
	db *gorm.DB
}

// NewTraceRepository creates a TraceRepository.
func NewTraceRepository(db *gorm.DB) *TraceRepository {
	return &TraceRepository{db: db}
}

// SaveRun inserts the run or updates it when the ID already exists.
func (r *TraceRepository) SaveRun(ctx context.Context, run storage.Run) error {
	if run.ID == "" {
		return fmt.Errorf("saving run: empty run id")
	}
	if run.Status == "" {
		run.Status = storage.RunRunning
	}
	model := toRunModel(&run)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"task", "research_problem", "status", "started_at", "finished_at", "elapsed_ms", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final status and elapsed time of a run.
func (r *TraceRepository) FinishRun(ctx context.Context, runID string, status storage.RunStatus, elapsed time.Duration) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":      string(status),
			"finished_at": now,
			"elapsed_ms":  elapsed.Milliseconds(),
		})
	if result.Error != nil {
		return fmt.Errorf("finishing run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *TraceRepository) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return toRunDomain(&model), nil
}

// ListRuns returns the most recent runs first. A non-positive limit returns all.
func (r *TraceRepository) ListRuns(ctx context.Context, limit int) ([]storage.Run, error) {
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]storage.Run, len(models))
	for i := range models {
		runs[i] = *toRunDomain(&models[i])
	}
	return runs, nil
}

// AppendStep stores one step. Re-publishing the same (run, kind, index) is a no-op.
func (r *TraceRepository) AppendStep(ctx context.Context, runID string, kind trace.Kind, index int, step trace.Step) error {
	model, err := toStepModel(runID, kind, index, step)
	if err != nil {
		return fmt.Errorf("encoding step args: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("appending %s %d to run %s: %w", kind, index, runID, err)
	}
	return nil
}

// ListSteps returns the steps of one kind in append order.
func (r *TraceRepository) ListSteps(ctx context.Context, runID string, kind trace.Kind) ([]trace.Step, error) {
	var models []StepModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND kind = ?", runID, string(kind)).
		Order("step_index ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing steps for run %s: %w", runID, err)
	}
	steps := make([]trace.Step, len(models))
	for i := range models {
		steps[i] = toStepDomain(&models[i])
	}
	return steps, nil
}
