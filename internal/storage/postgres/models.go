package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same bytes as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	case int64, float64:
		// NUMERIC affinity in SQLite turns bare JSON numbers into numbers.
		*j = JSONB(fmt.Sprint(v))
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// RunModel maps to the "runs" table.
type RunModel struct {
	ID              string `gorm:"type:varchar(64);primaryKey"`
	Task            string `gorm:"not null;index"`
	ResearchProblem string `gorm:"type:text"`
	Status          string `gorm:"not null;default:'running'"`
	StartedAt       time.Time
	FinishedAt      *time.Time
	ElapsedMS       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (RunModel) TableName() string { return "runs" }

// StepModel maps to the "steps" table.
// No UpdatedAt or DeletedAt: a trace is append-only.
type StepModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID       string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_steps_run_kind_index"`
	Kind        string    `gorm:"not null;uniqueIndex:idx_steps_run_kind_index"`
	Index       int       `gorm:"column:step_index;not null;uniqueIndex:idx_steps_run_kind_index"`
	ActionName  string    `gorm:"not null;index"`
	ActionArgs  JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Observation string    `gorm:"type:text"`
	Timestamp   time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

func (StepModel) TableName() string { return "steps" }
