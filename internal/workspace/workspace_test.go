package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	root := filepath.Join(t.TempDir(), "logs")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestRunLayout(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"EnvLogDir", ws.EnvLogDir(), "env_log"},
		{"ToolLogsDir", ws.ToolLogsDir(), "env_log/tool_logs"},
		{"TracesDir", ws.TracesDir(), "env_log/traces"},
		{"AgentLogDir", ws.AgentLogDir(), "agent_log"},
		{"ToolLogPath", ws.ToolLogPath(7), "env_log/tool_logs/step_7_tool_log.log"},
		{"MainLogPath", ws.MainLogPath(), "agent_log/main_log"},
		{"TracePath", ws.TracePath(), "env_log/trace.json"},
		{"EventsPath", ws.EventsPath(), "env_log/events.jsonl"},
		{"DatabasePath", ws.DatabasePath(), "env_log/trace.db"},
		{"ErrorPath", ws.ErrorPath(), "env_log/error.txt"},
		{"OverallTimePath", ws.OverallTimePath(), "env_log/overall_time.txt"},
		{"CheckpointPath", ws.CheckpointPath("step/3"), "env_log/traces/step_3.json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if want := filepath.Join(ws.Root, filepath.FromSlash(tc.want)); tc.got != want {
				t.Errorf("%s = %q, want %q", tc.name, tc.got, want)
			}
		})
	}
}

func TestEnsureAll(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(nil); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := ws.EnsureAll(nil); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"env_log", "env_log/tool_logs", "env_log/traces", "agent_log"} {
		if _, err := os.Stat(filepath.Join(ws.Root, sub)); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestLock(t *testing.T) {
	root := filepath.Join(t.TempDir(), "logs")
	first, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	second, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := first.Lock(); err != nil {
		t.Errorf("re-Lock by owner: %v", err)
	}
	if err := second.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock = %v, want ErrLocked", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.Lock(); err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	_ = second.Unlock()
	if err := second.Unlock(); err != nil {
		t.Errorf("double Unlock: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		if got := sanitizeName(tc.input); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "test"); got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
