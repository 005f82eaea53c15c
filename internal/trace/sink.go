package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends events as JSONL, one event per line.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path in append-only mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening trace log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Publish marshals outside the lock; only the write is serialized.
func (s *FileSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling trace event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("writing trace event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Dump writes the snapshot as indented JSON. The file is replaced atomically.
func Dump(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling trace: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trace-*.json")
	if err != nil {
		return fmt.Errorf("creating trace temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing trace: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("syncing trace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing trace: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Load reads a snapshot written by Dump. Handler references are not restored.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading trace %s: %w", path, err)
	}
	var raw struct {
		RunID           string `json:"run_id"`
		Steps           []Step `json:"steps"`
		LowLevelSteps   []Step `json:"low_level_steps"`
		TaskDescription string `json:"task_description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("parsing trace %s: %w", path, err)
	}
	return Snapshot{
		RunID:           raw.RunID,
		Steps:           raw.Steps,
		LowLevelSteps:   raw.LowLevelSteps,
		TaskDescription: raw.TaskDescription,
	}, nil
}
