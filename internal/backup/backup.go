// Package backup keeps the per-script undo history for edits made through
// the executor. Each overwrite pushes the previous content; Undo Edit Script
// pops the most recent one. The in-memory stack is authoritative. Copies are
// also persisted under <work_root>/backup so a run can be inspected afterwards.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/mlbench/internal/sandbox"
)

// Dir is the backup directory name under the work root.
const Dir = "backup"

// ErrNothingToUndo is returned by Pop when a script has no recorded edits.
var ErrNothingToUndo = errors.New("there is no change to undo")

// Entry is one recorded pre-edit snapshot.
type Entry struct {
	Script    string    `json:"script"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	// Path is the persisted copy, relative to the work root. Empty when
	// persistence is disabled.
	Path string `json:"path,omitempty"`
}

// Manager owns the undo stacks of a single run.
type Manager struct {
	mu      sync.Mutex
	stacks  map[string][]Entry
	seq     int64
	root    string
	sandbox sandbox.Sandbox
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager returns a manager persisting copies through sb under root.
// A nil sandbox keeps history in memory only.
func NewManager(root string, sb sandbox.Sandbox, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		stacks:  make(map[string][]Entry),
		root:    root,
		sandbox: sb,
		logger:  logger,
		now:     time.Now,
	}
}

// Push records content as the state of script before an edit.
func (m *Manager) Push(ctx context.Context, script, content string) (Entry, error) {
	key := Key(script)

	m.mu.Lock()
	m.seq++
	e := Entry{
		Script:    key,
		Content:   content,
		Sequence:  m.seq,
		CreatedAt: m.now(),
	}
	m.mu.Unlock()

	if m.sandbox != nil {
		e.Path = path.Join(Dir, fileName(key, e.Sequence))
		if err := m.sandbox.WriteFile(ctx, filepath.Join(m.root, filepath.FromSlash(e.Path)), content); err != nil {
			return Entry{}, fmt.Errorf("persisting backup of %s: %w", key, err)
		}
	}

	m.mu.Lock()
	m.stacks[key] = append(m.stacks[key], e)
	m.mu.Unlock()

	m.logger.Debug("backup recorded",
		slog.String("script", key),
		slog.Int64("sequence", e.Sequence),
	)
	return e, nil
}

// Peek returns the most recent entry for script without removing it.
func (m *Manager) Peek(script string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.stacks[Key(script)]
	if len(stack) == 0 {
		return Entry{}, ErrNothingToUndo
	}
	return stack[len(stack)-1], nil
}

// Pop removes and returns the most recent entry for script.
func (m *Manager) Pop(ctx context.Context, script string) (Entry, error) {
	key := Key(script)

	m.mu.Lock()
	stack := m.stacks[key]
	if len(stack) == 0 {
		m.mu.Unlock()
		return Entry{}, ErrNothingToUndo
	}
	e := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(m.stacks, key)
	} else {
		m.stacks[key] = stack[:len(stack)-1]
	}
	m.mu.Unlock()

	if m.sandbox != nil && e.Path != "" {
		abs := filepath.Join(m.root, filepath.FromSlash(e.Path))
		if _, err := m.sandbox.Execute(ctx, sandbox.ExecutionRequest{
			Command:    []string{"rm", "-f", abs},
			WorkingDir: m.root,
		}); err != nil {
			// The stack is authoritative; a stale file only costs disk.
			m.logger.Warn("failed to remove backup copy",
				slog.String("path", e.Path),
				slog.String("error", err.Error()),
			)
		}
	}
	return e, nil
}

// Depth returns the number of undoable edits for script.
func (m *Manager) Depth(script string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks[Key(script)])
}

// Scripts returns every script with at least one entry.
func (m *Manager) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stacks))
	for k := range m.stacks {
		out = append(out, k)
	}
	return out
}

// Key normalizes a script name so "./train.py" and "train.py" share a stack.
func Key(script string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(script)), "./")
}

func fileName(key string, seq int64) string {
	return fmt.Sprintf("%s_%06d", strings.ReplaceAll(key, "/", "_"), seq)
}
