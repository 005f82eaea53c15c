// Package workspace manages the per-run log directory layout.
//
//	<log_dir>/
//	  env_log/
//	    tool_logs/step_{n}_tool_log.log
//	    traces/
//	    trace.json, events.jsonl, trace.db
//	    error.txt, overall_time.txt
//	  agent_log/main_log
//
// A run holds an exclusive file lock on the log directory so two runs never
// interleave their logs.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Lock when another run owns the log directory.
var ErrLocked = errors.New("log directory is in use by another run")

const lockFile = ".mlbench.lock"

// Workspace resolves every path a run writes under its log directory.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
	lock    *flock.Flock
}

// New creates a Workspace rooted at the given log directory.
// It resolves ~ to the user's home directory and creates the root.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving log dir %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	return w, nil
}

// EnvLogDir returns <root>/env_log/.
func (w *Workspace) EnvLogDir() string {
	return w.dir("env_log")
}

// ToolLogsDir returns <root>/env_log/tool_logs/.
func (w *Workspace) ToolLogsDir() string {
	return w.dir(filepath.Join("env_log", "tool_logs"))
}

// TracesDir returns <root>/env_log/traces/. Holds periodic trace checkpoints.
func (w *Workspace) TracesDir() string {
	return w.dir(filepath.Join("env_log", "traces"))
}

// AgentLogDir returns <root>/agent_log/.
func (w *Workspace) AgentLogDir() string {
	return w.dir("agent_log")
}

// ToolLogPath returns the log file handed to the handler at step.
func (w *Workspace) ToolLogPath(step int) string {
	return filepath.Join(w.ToolLogsDir(), fmt.Sprintf("step_%d_tool_log.log", step))
}

// MainLogPath returns <root>/agent_log/main_log.
func (w *Workspace) MainLogPath() string {
	return filepath.Join(w.AgentLogDir(), "main_log")
}

// TracePath returns <root>/env_log/trace.json.
func (w *Workspace) TracePath() string {
	return filepath.Join(w.EnvLogDir(), "trace.json")
}

// EventsPath returns <root>/env_log/events.jsonl.
func (w *Workspace) EventsPath() string {
	return filepath.Join(w.EnvLogDir(), "events.jsonl")
}

// DatabasePath returns <root>/env_log/trace.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.EnvLogDir(), "trace.db")
}

// ErrorPath returns <root>/env_log/error.txt.
func (w *Workspace) ErrorPath() string {
	return filepath.Join(w.EnvLogDir(), "error.txt")
}

// OverallTimePath returns <root>/env_log/overall_time.txt.
func (w *Workspace) OverallTimePath() string {
	return filepath.Join(w.EnvLogDir(), "overall_time.txt")
}

// CheckpointPath returns <root>/env_log/traces/<name>.json.
func (w *Workspace) CheckpointPath(name string) string {
	return filepath.Join(w.TracesDir(), sanitizeName(name)+".json")
}

// EnsureAll creates the run directories. Existing directories are reused
// and reported at debug level.
func (w *Workspace) EnsureAll(logger *slog.Logger) error {
	for _, name := range []string{
		"env_log",
		filepath.Join("env_log", "tool_logs"),
		filepath.Join("env_log", "traces"),
		"agent_log",
	} {
		p := filepath.Join(w.Root, name)
		if _, err := os.Stat(p); err == nil && logger != nil {
			logger.Debug("log directory already exists", slog.String("path", p))
		}
		if err := w.ensureDir(p, 0750); err != nil {
			return err
		}
	}
	return nil
}

// Lock takes the exclusive run lock on the log directory without blocking.
func (w *Workspace) Lock() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lock != nil {
		return nil
	}
	fl := flock.New(filepath.Join(w.Root, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", w.Root, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", w.Root, ErrLocked)
	}
	w.lock = fl
	return nil
}

// Unlock releases the run lock. Safe to call without Lock.
func (w *Workspace) Unlock() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lock == nil {
		return nil
	}
	err := w.lock.Unlock()
	w.lock = nil
	return err
}

// dir returns an absolute path under the root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
