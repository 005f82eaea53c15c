// Package sandbox provides the isolated execution environment the executor
// talks to. Every file and process operation on the work root goes through
// a Sandbox.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotExist is returned by ReadFile for a missing file.
var ErrNotExist = errors.New("file does not exist")

// Sandbox executes commands and moves file contents in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
}

// Terminator is implemented by sandboxes that own long-lived children.
// TerminateAll kills and reaps everything still running and returns the count.
type Terminator interface {
	TerminateAll() int
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["ls", "-F", "."]).
	Command []string

	// WorkingDir overrides the working directory. Empty = isolated temp dir.
	WorkingDir string

	// Env adds variables on top of the sandbox's minimal environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. Zero means unlimited.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// ExecutionResult captures the outcome of a sandboxed command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
