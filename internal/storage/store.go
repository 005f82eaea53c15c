// Package storage defines the persistent trace store.
// Implementations live in sub-packages (postgres, sqlite). Domain types here
// stay ORM-free; GORM models are confined to the backend packages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/mlbench/internal/trace"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store is the unified storage backend.
type Store interface {
	// Traces returns the run and step repository.
	Traces() TraceStore

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Close releases all resources.
	Close() error

	// Driver returns "sqlite" or "postgres".
	Driver() string
}

// TraceStore persists runs and the steps appended to them.
type TraceStore interface {
	SaveRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, status RunStatus, elapsed time.Duration) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	AppendStep(ctx context.Context, runID string, kind trace.Kind, index int, step trace.Step) error
	ListSteps(ctx context.Context, runID string, kind trace.Kind) ([]trace.Step, error)
}

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is one environment run.
type Run struct {
	ID              string
	Task            string
	ResearchProblem string
	Status          RunStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	Elapsed         time.Duration
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
