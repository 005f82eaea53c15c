package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Task != DefaultTask {
		t.Errorf("Task = %q, want %q", cfg.Task, DefaultTask)
	}
	if cfg.MaxSteps != DefaultMaxSteps {
		t.Errorf("MaxSteps = %d, want %d", cfg.MaxSteps, DefaultMaxSteps)
	}
	if cfg.MaxTime() != 5*time.Hour {
		t.Errorf("MaxTime = %s, want 5h", cfg.MaxTime())
	}
	if cfg.Python != "python" || cfg.Agent.Type != "baseline" || cfg.Sandbox.Type != "process" {
		t.Errorf("unexpected defaults: python=%q agent=%q sandbox=%q", cfg.Python, cfg.Agent.Type, cfg.Sandbox.Type)
	}
	if cfg.Storage != nil || cfg.Inspect != nil {
		t.Error("optional sections should stay nil")
	}
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "mlbench.yaml", "task: imdb\nmax_steps: 7\nsandbox:\n  type: docker\n"},
		{"toml", "mlbench.toml", "task = \"imdb\"\nmax_steps = 7\n[sandbox]\ntype = \"docker\"\n"},
		{"json", "mlbench.json", `{"task":"imdb","max_steps":7,"sandbox":{"type":"docker"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Task != "imdb" || cfg.MaxSteps != 7 || cfg.Sandbox.Type != "docker" {
				t.Errorf("got task=%q steps=%d sandbox=%q", cfg.Task, cfg.MaxSteps, cfg.Sandbox.Type)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MLBENCH_MAX_STEPS", "3")
	t.Setenv("MLBENCH_DEVICE", "2")
	t.Setenv("MLBENCH_TASK", "house-price")

	cfg, err := Load(writeConfig(t, "c.yaml", "task: imdb\nmax_steps: 10\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxSteps != 3 || cfg.Device != 2 || cfg.Task != "house-price" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_EnvNotInteger(t *testing.T) {
	t.Setenv("MLBENCH_MAX_STEPS", "many")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "MLBENCH_MAX_STEPS") {
		t.Fatalf("expected MLBENCH_MAX_STEPS error, got %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative steps", "max_steps: -1\n", "MaxSteps"},
		{"unknown sandbox", "sandbox:\n  type: vm\n", "Type"},
		{"replay without file", "agent:\n  type: replay\n", "agent.replay_file"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres.dsn"},
		{"bad schedule", "checkpoint:\n  enabled: true\n  schedule: \"every tuesday\"\n", "checkpoint.schedule"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "observability.tracing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOptionalSectionDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "c.yaml", "checkpoint:\n  enabled: true\ninspect:\n  enabled: true\nstorage: {}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Checkpoint.Schedule != DefaultCheckpointSchedule {
		t.Errorf("Schedule = %q", cfg.Checkpoint.Schedule)
	}
	if cfg.Inspect.Addr != DefaultInspectAddr {
		t.Errorf("Addr = %q", cfg.Inspect.Addr)
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("driver = %q", cfg.Storage.StorageDriver())
	}
}

func TestLoadResearchProblem(t *testing.T) {
	cfg := Default()
	if got, _ := cfg.LoadResearchProblem(); got != DefaultTask {
		t.Errorf("fallback = %q, want task name", got)
	}

	cfg.ResearchProblemFile = writeConfig(t, "problem.txt", "  Improve the test accuracy.\n")
	got, err := cfg.LoadResearchProblem()
	if err != nil {
		t.Fatalf("LoadResearchProblem: %v", err)
	}
	if got != "Improve the test accuracy." {
		t.Errorf("got %q", got)
	}

	cfg.ResearchProblem = "inline"
	if got, _ := cfg.LoadResearchProblem(); got != "inline" {
		t.Errorf("inline should win, got %q", got)
	}
}

func TestResolvedWorkDir_Symlink(t *testing.T) {
	target, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(t.TempDir(), "work")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.WorkDir = link
	got, err := cfg.ResolvedWorkDir()
	if err != nil {
		t.Fatalf("ResolvedWorkDir: %v", err)
	}
	if got != target {
		t.Errorf("ResolvedWorkDir = %q, want %q", got, target)
	}

	cfg.WorkDir = filepath.Join(target, "missing")
	if _, err := cfg.ResolvedWorkDir(); err == nil {
		t.Error("missing work dir resolved")
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := ParseSchedule(spec); err != nil {
			t.Errorf("ParseSchedule(%q): %v", spec, err)
		}
	}
	if _, err := ParseSchedule("* * *"); err == nil {
		t.Error("expected error for three-field spec")
	}
}
