package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/mlbench/internal/action"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func TestTrace_AppendAndSnapshotIsolation(t *testing.T) {
	tr := New("task", nil)
	args := map[string]any{"file_name": "a.txt", "nested": map[string]any{"k": "v"}}
	tr.AppendStep(action.Action{Name: "Read File", Args: args}, "contents")

	// Mutating the caller's map must not reach the trace.
	args["file_name"] = "b.txt"
	args["nested"].(map[string]any)["k"] = "changed"

	snap := tr.Snapshot()
	got, _ := snap.Steps[0].Action.ArgsMap()
	if got["file_name"] != "a.txt" || got["nested"].(map[string]any)["k"] != "v" {
		t.Errorf("trace aliases caller args: %v", got)
	}

	// Mutating the snapshot must not reach the trace either.
	got["file_name"] = "zzz"
	snap.Steps[0].Observation = "tampered"
	again := tr.Snapshot()
	if m, _ := again.Steps[0].Action.ArgsMap(); m["file_name"] != "a.txt" {
		t.Error("snapshot aliases live args")
	}
	if again.Steps[0].Observation != "contents" {
		t.Error("snapshot aliases live steps")
	}
}

func TestTrace_AppendOnly(t *testing.T) {
	tr := New("task", nil)
	prevSteps, prevLow := 0, 0
	var first Step
	for i := 0; i < 5; i++ {
		tr.RecordLowLevel(action.Action{Name: "List Files", Args: map[string]any{"dir_path": "."}}, "a\nb")
		tr.AppendStep(action.Action{Name: "List Files", Args: map[string]any{"dir_path": "."}}, "a\nb")
		steps, low := tr.Len()
		if steps < prevSteps || low < prevLow {
			t.Fatalf("lengths decreased: %d,%d -> %d,%d", prevSteps, prevLow, steps, low)
		}
		prevSteps, prevLow = steps, low
		if i == 0 {
			first = tr.Snapshot().Steps[0]
		}
	}
	if s := tr.Snapshot().Steps[0]; s.Observation != first.Observation || !s.Timestamp.Equal(first.Timestamp) {
		t.Error("first step changed after later appends")
	}
	if prevSteps != 5 || prevLow != 5 {
		t.Errorf("Len = %d,%d, want 5,5", prevSteps, prevLow)
	}
}

func TestTrace_TimestampsNonDecreasing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(time.Second), base.Add(-time.Minute), base.Add(2 * time.Second)}
	i := 0
	tr := New("task", nil, WithClock(func() time.Time {
		ts := clock[i]
		i++
		return ts
	}))
	for range clock {
		tr.AppendStep(action.Action{Name: "x"}, "")
	}
	steps := tr.Snapshot().Steps
	for j := 1; j < len(steps); j++ {
		if steps[j].Timestamp.Before(steps[j-1].Timestamp) {
			t.Errorf("step %d timestamp %v before %v", j, steps[j].Timestamp, steps[j-1].Timestamp)
		}
	}
	if !steps[2].Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("backwards clock should clamp to previous timestamp, got %v", steps[2].Timestamp)
	}
}

func TestTrace_Sinks(t *testing.T) {
	sink := &memSink{err: errors.New("down")}
	tr := New("task", nil, WithRunID("run-1"), WithSinks(sink))
	tr.RecordLowLevel(action.Action{Name: "Write File"}, "ok")
	tr.AppendStep(action.Action{Name: "Write File"}, "ok")

	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2 (sink errors must not stop recording)", len(sink.events))
	}
	if sink.events[0].Kind != KindLowLevel || sink.events[1].Kind != KindStep {
		t.Errorf("kinds = %s,%s", sink.events[0].Kind, sink.events[1].Kind)
	}
	if sink.events[1].RunID != "run-1" || sink.events[1].Index != 0 {
		t.Errorf("event = %+v", sink.events[1])
	}
}

func TestRecord(t *testing.T) {
	tr := New("task", nil)
	failing := errors.New("cannot read file x.txt")

	ok := Record("Read File", []string{"file_name"})(func(_ context.Context, _ *action.Call) (string, error) {
		return "data", nil
	})
	bad := Record("Read File", []string{"file_name"})(func(_ context.Context, _ *action.Call) (string, error) {
		return "", failing
	})

	call := &action.Call{
		Args:  map[string]any{"file_name": "x.txt", "work_dir": "/ignored"},
		Trace: tr,
	}
	if obs, err := ok(context.Background(), call); obs != "data" || err != nil {
		t.Fatalf("ok = %q, %v", obs, err)
	}
	if _, err := bad(context.Background(), call); !errors.Is(err, failing) {
		t.Fatalf("error must pass through unchanged, got %v", err)
	}

	low := tr.Snapshot().LowLevelSteps
	if len(low) != 2 {
		t.Fatalf("low-level steps = %d, want 2", len(low))
	}
	args, _ := low[0].Action.ArgsMap()
	if len(args) != 1 || args["file_name"] != "x.txt" {
		t.Errorf("recorded args = %v, want only usage keys", args)
	}
	if low[1].Observation != failing.Error() {
		t.Errorf("failed observation = %q", low[1].Observation)
	}
	if steps, _ := tr.Len(); steps != 0 {
		t.Error("Record must not append top-level steps")
	}
}

func TestRecord_NoTrace(t *testing.T) {
	h := Record("List Files", []string{"dir_path"})(func(_ context.Context, _ *action.Call) (string, error) {
		return "ok", nil
	})
	if obs, err := h(context.Background(), &action.Call{Args: map[string]any{}}); obs != "ok" || err != nil {
		t.Errorf("h = %q, %v", obs, err)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	tr := New("task", nil, WithSinks(sink))
	tr.AppendStep(action.Action{Name: "List Files", Args: map[string]any{"dir_path": "."}}, "train.py\n")
	tr.AppendStep(action.Action{Name: action.FinalAnswer, Args: "Done!"}, "end")
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[1].Step.Action.Name != action.FinalAnswer || lines[1].Index != 1 {
		t.Errorf("second event = %+v", lines[1])
	}
}

func TestDumpAndLoad(t *testing.T) {
	reg := action.NewRegistry()
	reg.Register(action.Info{
		Name:     "List Files",
		Usage:    action.Usage{{Name: "dir_path", Description: "dir"}},
		Handler:  func(context.Context, *action.Call) (string, error) { return "", nil },
		LowLevel: true,
	})
	tr := New("classify images", reg.All(), WithRunID("abc"))
	tr.AppendStep(action.Action{Name: "List Files", Args: map[string]any{"dir_path": "."}}, "x")

	path := filepath.Join(t.TempDir(), "trace.json")
	if err := Dump(path, tr.Snapshot()); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"task_description": "classify images"`, `"function":`, `"low_level_steps": []`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("dump missing %s:\n%s", want, raw)
		}
	}

	snap, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if snap.RunID != "abc" || len(snap.Steps) != 1 || snap.Steps[0].Observation != "x" {
		t.Errorf("loaded = %+v", snap)
	}
}
