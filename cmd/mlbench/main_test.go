package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/agent"
	"github.com/jkaninda/mlbench/internal/config"
	"github.com/jkaninda/mlbench/internal/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAgent(t *testing.T) {
	cfg := config.Default()
	ag, err := newAgent(cfg)
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	if _, ok := ag.(*agent.Baseline); !ok {
		t.Errorf("default agent = %T, want *agent.Baseline", ag)
	}

	path := filepath.Join(t.TempDir(), "actions.jsonl")
	if err := os.WriteFile(path, []byte(`{"name": "Final Answer", "args": "Done!"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Agent.Type = "replay"
	cfg.Agent.ReplayFile = path
	ag, err = newAgent(cfg)
	if err != nil {
		t.Fatalf("newAgent replay: %v", err)
	}
	if r, ok := ag.(*agent.Replay); !ok || r.Remaining() != 1 {
		t.Errorf("replay agent = %#v", ag)
	}

	cfg.Agent.Type = "oracle"
	if _, err := newAgent(cfg); err == nil {
		t.Error("unknown agent type accepted")
	}
}

func TestReadOnlyPatterns(t *testing.T) {
	file := filepath.Join(t.TempDir(), "read_only_files.txt")
	if err := os.WriteFile(file, []byte("data/*\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.ReadOnlyPatterns = []string{"eval.py"}
	cfg.ReadOnlyPatternsFile = file

	got, err := readOnlyPatterns(cfg)
	if err != nil {
		t.Fatalf("readOnlyPatterns: %v", err)
	}
	if strings.Join(got, ",") != "eval.py,data/*" {
		t.Errorf("patterns = %v", got)
	}
}

func TestPrintActions(t *testing.T) {
	cfg := config.Default()

	var text bytes.Buffer
	if err := printActions(&text, cfg, true, false, testLogger()); err != nil {
		t.Fatalf("printActions: %v", err)
	}
	if !strings.Contains(text.String(), "Action: "+action.FinalAnswer) {
		t.Errorf("prompt missing Final Answer:\n%s", text.String())
	}
	if strings.Contains(text.String(), "Action: Python REPL") {
		t.Error("default-removed action listed in prompt")
	}

	var out bytes.Buffer
	if err := printActions(&out, cfg, false, true, testLogger()); err != nil {
		t.Fatalf("printActions json: %v", err)
	}
	var schema []action.Schema
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("decoding schema: %v", err)
	}
	if len(schema) == 0 {
		t.Error("empty schema")
	}
}

func TestPrintSteps(t *testing.T) {
	var out bytes.Buffer
	steps := []trace.Step{{
		Action:      action.Action{Name: "List Files"},
		Observation: "train.py\nbackup/\n",
	}}
	if err := printSteps(&out, steps); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "List Files") || strings.Contains(out.String(), "backup/") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 5); got != "ab..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}
