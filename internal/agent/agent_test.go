package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/trace"
)

func TestBaseline(t *testing.T) {
	ctx := context.Background()
	b := NewBaseline("")
	if b.Script != "train.py" {
		t.Errorf("default script = %q", b.Script)
	}

	a, err := b.Next(ctx, trace.Snapshot{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	args, _ := a.ArgsMap()
	if a.Name != "Execute Script" || args["script_name"] != "train.py" {
		t.Errorf("first action = %+v", a)
	}

	a, _ = b.Next(ctx, trace.Snapshot{Steps: make([]trace.Step, 1)})
	if a.Name != action.FinalAnswer {
		t.Errorf("second action = %+v", a)
	}

	if _, err := b.Next(ctx, trace.Snapshot{Steps: make([]trace.Step, 2)}); !errors.Is(err, ErrDone) {
		t.Errorf("third Next = %v, want ErrDone", err)
	}
}

func TestParseActions(t *testing.T) {
	input := strings.Join([]string{
		`# warm up`,
		`{"name": "List Files", "args": {"dir_path": "."}}`,
		``,
		`{"name": "Final Answer", "args": "Done!"}`,
	}, "\n")

	actions, err := ParseActions(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].Name != "List Files" {
		t.Errorf("first = %+v", actions[0])
	}
	if s, ok := actions[1].Args.(string); !ok || s != "Done!" {
		t.Errorf("final answer args = %#v", actions[1].Args)
	}
}

func TestParseActions_Errors(t *testing.T) {
	_, err := ParseActions(strings.NewReader("{\"name\": \"List Files\"}\n{\"args\": {}}\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), "missing action name") {
		t.Errorf("err = %v, want line 2 missing name", err)
	}

	if _, err := ParseAction("not json"); err == nil {
		t.Error("ParseAction accepted invalid JSON")
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	content := `{"name": "List Files", "args": {"dir_path": "."}}` + "\n" + `{"name": "Final Answer", "args": "Done!"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadReplay(path)
	if err != nil {
		t.Fatalf("LoadReplay: %v", err)
	}
	if r.Remaining() != 2 {
		t.Errorf("Remaining = %d", r.Remaining())
	}

	ctx := context.Background()
	for _, want := range []string{"List Files", action.FinalAnswer} {
		a, err := r.Next(ctx, trace.Snapshot{})
		if err != nil || a.Name != want {
			t.Errorf("Next = %+v, %v; want %s", a, err, want)
		}
	}
	if _, err := r.Next(ctx, trace.Snapshot{}); !errors.Is(err, ErrDone) {
		t.Errorf("exhausted Next = %v, want ErrDone", err)
	}

	if _, err := LoadReplay(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("LoadReplay on missing file succeeded")
	}
}

func TestPromptActions(t *testing.T) {
	all := []string{"List Files", "Read File", "Execute Script", "Python REPL", "Final Answer"}
	got := PromptActions(all, []string{"Execute Script"}, []string{"Read File"})
	want := []string{"List Files", "Final Answer", "Read File"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("PromptActions = %v, want %v", got, want)
	}
}

func noop(context.Context, *action.Call) (string, error) { return "", nil }

func TestToolsPrompt(t *testing.T) {
	reg := action.NewRegistry()
	reg.Register(action.Info{
		Name:        "List Files",
		Description: "Use this to navigate the file system.",
		Usage:       action.Usage{{Name: "dir_path", Description: "a valid relative path to a directory"}},
		ReturnValue: "The observation will be a list of files and folders.",
		Handler:     noop,
	})
	reg.Freeze()

	got := ToolsPrompt([]string{"List Files", "Teleport"}, reg)
	for _, want := range []string{
		"- List Files:\n        Use this to navigate the file system.\n",
		"        Action: List Files\n",
		`"dir_path": [a valid relative path to a directory]`,
		"        Observation: [The observation will be a list of files and folders.]\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Teleport") {
		t.Error("unknown action rendered")
	}
}

func TestWriteMainLogHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main_log")
	if err := WriteMainLogHeader(path, []string{"List Files", "Final Answer"}); err != nil {
		t.Fatalf("WriteMainLogHeader: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "Enabled Tools in Prompt:['List Files', 'Final Answer']\n") {
		t.Errorf("header = %q", data)
	}
}
