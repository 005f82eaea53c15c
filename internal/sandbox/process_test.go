package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessSandbox(cfg ProcessConfig) *ProcessSandbox {
	return NewProcessSandbox(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessSandbox_BasicExecution(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "boom" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestProcessSandbox_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	sbx := newTestProcessSandbox(ProcessConfig{})
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "pwd; echo $CUDA_VISIBLE_DEVICES"},
		WorkingDir: dir,
		Env:        map[string]string{"CUDA_VISIBLE_DEVICES": "1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	wantDir, _ := filepath.EvalSymlinks(dir)
	if gotDir, _ := filepath.EvalSymlinks(lines[0]); gotDir != wantDir {
		t.Errorf("pwd = %q, want %q", lines[0], dir)
	}
	if lines[1] != "1" {
		t.Errorf("CUDA_VISIBLE_DEVICES = %q, want 1", lines[1])
	}
}

func TestProcessSandbox_EnvNotInherited(t *testing.T) {
	t.Setenv("MLBENCH_TEST_SECRET", "leak")
	t.Setenv("MLBENCH_TEST_PASS", "kept")

	sbx := newTestProcessSandbox(ProcessConfig{PassEnv: []string{"MLBENCH_TEST_PASS"}})
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo \"$MLBENCH_TEST_SECRET|$MLBENCH_TEST_PASS\""},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "|kept" {
		t.Errorf("stdout = %q, want %q", got, "|kept")
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})
	start := time.Now()
	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sleep", "30"},
		Timeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
	if sbx.Running() != 0 {
		t.Errorf("Running() = %d after timeout, want 0", sbx.Running())
	}
}

func TestProcessSandbox_TerminateAll(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := sbx.Execute(context.Background(), ExecutionRequest{
			Command: []string{"sh", "-c", "sleep 30 & sleep 30"},
		})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sbx.Running() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("process never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := sbx.TerminateAll(); n != 1 {
		t.Errorf("TerminateAll = %d, want 1", n)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after TerminateAll")
	}
	if sbx.Running() != 0 {
		t.Errorf("Running() = %d, want 0", sbx.Running())
	}
}

func TestProcessSandbox_OutputCapped(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "head -c 2000000 /dev/zero"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Stdout) != maxOutputBytes {
		t.Errorf("stdout len = %d, want %d", len(result.Stdout), maxOutputBytes)
	}
}

func TestProcessSandbox_EmptyCommand(t *testing.T) {
	sbx := newTestProcessSandbox(ProcessConfig{})
	if _, err := sbx.Execute(context.Background(), ExecutionRequest{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestLimitScript(t *testing.T) {
	tests := []struct {
		limits ResourceLimits
		want   string
	}{
		{ResourceLimits{}, `exec "$@"`},
		{ResourceLimits{MaxMemoryMB: 2}, `ulimit -v 2048 2>/dev/null; exec "$@"`},
		{ResourceLimits{MaxCPUSeconds: 5, MaxMemoryMB: 1}, `ulimit -v 1024 2>/dev/null; ulimit -t 5 2>/dev/null; exec "$@"`},
	}
	for _, tc := range tests {
		if got := limitScript(tc.limits); got != tc.want {
			t.Errorf("limitScript(%+v) = %q, want %q", tc.limits, got, tc.want)
		}
	}
}

func TestHostFiles(t *testing.T) {
	dir := t.TempDir()
	sbx := newTestProcessSandbox(ProcessConfig{MaxFileBytes: 16})
	ctx := context.Background()

	target := filepath.Join(dir, "nested", "deeper", "out.txt")
	if err := sbx.WriteFile(ctx, target, "hello"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sbx.ReadFile(ctx, target)
	if err != nil || got != "hello" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	if _, err := sbx.ReadFile(ctx, filepath.Join(dir, "missing.txt")); !errors.Is(err, ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
	if _, err := sbx.ReadFile(ctx, dir); err == nil {
		t.Error("reading a directory should fail")
	}

	big := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(big, []byte(strings.Repeat("x", 32)), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := sbx.ReadFile(ctx, big); err == nil {
		t.Error("expected size limit error")
	}
}
