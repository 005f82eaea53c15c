package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/backup"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/sandbox"
	"github.com/jkaninda/mlbench/internal/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSandbox records every call and serves files from memory.
type fakeSandbox struct {
	mu       sync.Mutex
	commands [][]string
	files    map[string]string
	result   *sandbox.ExecutionResult
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string]string), result: &sandbox.ExecutionResult{}}
}

func (f *fakeSandbox) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, req.Command)
	r := *f.result
	return &r, nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	if !ok {
		return "", sandbox.ErrNotExist
	}
	return c, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeSandbox) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands) + len(f.files)
}

type fixture struct {
	root string
	reg  *action.Registry
	exec *Executor
	tr   *trace.Trace
	ro   *guard.ReadOnlySet
}

func newFixture(t *testing.T, sb sandbox.Sandbox, readOnly ...string) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ro, err := guard.NewReadOnlySet(readOnly, readOnly)
	if err != nil {
		t.Fatal(err)
	}
	reg := action.NewRegistry()
	ex := New(sb, backup.NewManager(root, sb, testLogger()), testLogger())
	ex.Register(reg)
	reg.Freeze()
	return &fixture{root: root, reg: reg, exec: ex, tr: trace.New("task", reg.All()), ro: ro}
}

func newProcessFixture(t *testing.T, readOnly ...string) *fixture {
	return newFixture(t, sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, testLogger()), readOnly...)
}

func (f *fixture) call(args map[string]any) *action.Call {
	return &action.Call{
		Args:     args,
		WorkDir:  f.root,
		Python:   "sh",
		ReadOnly: f.ro,
		Trace:    f.tr,
	}
}

func (f *fixture) run(t *testing.T, name string, args map[string]any) (string, error) {
	t.Helper()
	info, ok := f.reg.Lookup(name)
	if !ok {
		t.Fatalf("action %q not registered", name)
	}
	return info.Handler(context.Background(), f.call(args))
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func envMessage(t *testing.T, err error) string {
	t.Helper()
	var envErr *action.EnvError
	if !errors.As(err, &envErr) {
		t.Fatalf("err = %v (%T), want *action.EnvError", err, err)
	}
	return envErr.Message
}

func TestRegister(t *testing.T) {
	f := newFixture(t, newFakeSandbox())
	want := []string{ListFiles, ReadFile, WriteFile, AppendFile, CopyFile, UndoEditScript, ExecuteScript, PythonREPL, action.FinalAnswer, ReplaceScript}
	if got := f.reg.Names(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Names() = %v", got)
	}
	if n := len(f.reg.LowLevel()); n != 9 {
		t.Errorf("low-level actions = %d, want 9", n)
	}
	high := f.reg.HighLevel()
	if len(high) != 1 || high[0].Name != ReplaceScript {
		t.Errorf("high-level actions = %v", high)
	}
	info, _ := f.reg.Lookup(ExecuteScript)
	if info.HandlerName != "execute_script" {
		t.Errorf("HandlerName = %q", info.HandlerName)
	}
	info, _ = f.reg.Lookup(CopyFile)
	if strings.Join(info.Usage.Keys(), ",") != "source,destination" {
		t.Errorf("Copy File usage = %v", info.Usage.Keys())
	}
}

func TestWriteFile(t *testing.T) {
	f := newProcessFixture(t)
	obs, err := f.run(t, WriteFile, map[string]any{"file_name": "a.txt", "content": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if obs != "File a.txt written successfully." {
		t.Errorf("obs = %q", obs)
	}
	if got := f.read(t, "a.txt"); got != "hi" {
		t.Errorf("content = %q", got)
	}

	low := f.tr.Snapshot().LowLevelSteps
	if len(low) != 1 || low[0].Action.Name != WriteFile || low[0].Observation != obs {
		t.Fatalf("low-level steps = %+v", low)
	}
	args, _ := low[0].Action.ArgsMap()
	if args["file_name"] != "a.txt" || args["content"] != "hi" || len(args) != 2 {
		t.Errorf("recorded args = %v", args)
	}
}

func TestWriteFile_NestedDirectory(t *testing.T) {
	f := newProcessFixture(t)
	if _, err := f.run(t, WriteFile, map[string]any{"file_name": "out/sub/r.csv", "content": "x"}); err != nil {
		t.Fatal(err)
	}
	if f.read(t, "out/sub/r.csv") != "x" {
		t.Error("nested write failed")
	}
}

func TestReadOnlyEnforcement(t *testing.T) {
	f := newProcessFixture(t, "train.py")
	f.write(t, "train.py", "original")
	f.write(t, "other.py", "other")

	cases := []struct {
		name string
		args map[string]any
	}{
		{WriteFile, map[string]any{"file_name": "train.py", "content": "x"}},
		{AppendFile, map[string]any{"file_name": "train.py", "content": "x"}},
		{CopyFile, map[string]any{"source": "other.py", "destination": "train.py"}},
		{UndoEditScript, map[string]any{"script_name": "train.py"}},
		{ReplaceScript, map[string]any{"script_name": "train.py", "content": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.run(t, tc.name, tc.args)
			if !errors.Is(err, guard.ErrReadOnly) {
				t.Fatalf("err = %v, want ErrReadOnly", err)
			}
			if !strings.Contains(envMessage(t, err), "read-only file") {
				t.Errorf("message = %q", envMessage(t, err))
			}
			if f.read(t, "train.py") != "original" {
				t.Error("read-only file content changed")
			}
		})
	}

	// Reading and copying from a protected file is fine.
	if obs, err := f.run(t, ReadFile, map[string]any{"file_name": "train.py"}); err != nil || obs != "original" {
		t.Errorf("read = %q, %v", obs, err)
	}
	if _, err := f.run(t, CopyFile, map[string]any{"source": "train.py", "destination": "copy.py"}); err != nil {
		t.Errorf("copy from read-only source: %v", err)
	}
	if _, low := f.tr.Len(); low != 2 {
		t.Errorf("rejected calls must not be recorded as low-level steps, got %d", low)
	}
}

func TestContainment_ExecutorNeverInvoked(t *testing.T) {
	sb := newFakeSandbox()
	f := newFixture(t, sb)

	paths := []string{"../x", "/etc/passwd", "a/../../b"}
	for _, name := range []string{ListFiles, ReadFile, WriteFile, AppendFile, UndoEditScript, ExecuteScript} {
		for _, p := range paths {
			args := map[string]any{"dir_path": p, "file_name": p, "script_name": p, "content": "x"}
			_, err := f.run(t, name, args)
			if !errors.Is(err, guard.ErrOutsideWorkDir) {
				t.Errorf("%s(%q): err = %v, want ErrOutsideWorkDir", name, p, err)
			}
		}
	}
	if _, err := f.run(t, CopyFile, map[string]any{"source": "a.txt", "destination": "../b.txt"}); !errors.Is(err, guard.ErrOutsideWorkDir) {
		t.Errorf("copy err = %v", err)
	}
	if n := sb.calls(); n != 0 {
		t.Errorf("sandbox invoked %d times for escaping paths", n)
	}
}

func TestReadFile_Missing(t *testing.T) {
	f := newProcessFixture(t)
	_, err := f.run(t, ReadFile, map[string]any{"file_name": "nope.txt"})
	if msg := envMessage(t, err); msg != "cannot read file nope.txt" {
		t.Errorf("message = %q", msg)
	}
	low := f.tr.Snapshot().LowLevelSteps
	if len(low) != 1 || low[0].Observation != "cannot read file nope.txt" {
		t.Errorf("failed read must be recorded with its error, got %+v", low)
	}
}

func TestAppendFile(t *testing.T) {
	f := newProcessFixture(t)
	f.write(t, "log.txt", "a")
	obs, err := f.run(t, AppendFile, map[string]any{"file_name": "log.txt", "content": "b"})
	if err != nil || obs != "File log.txt appended successfully." {
		t.Fatalf("append = %q, %v", obs, err)
	}
	if f.read(t, "log.txt") != "ab" {
		t.Errorf("content = %q", f.read(t, "log.txt"))
	}

	_, err = f.run(t, AppendFile, map[string]any{"file_name": "missing.txt", "content": "b"})
	if msg := envMessage(t, err); msg != "cannot append file missing.txt" {
		t.Errorf("message = %q", msg)
	}
}

func TestCopyFile(t *testing.T) {
	f := newProcessFixture(t)
	f.write(t, "src.txt", "payload")
	obs, err := f.run(t, CopyFile, map[string]any{"source": "src.txt", "destination": "dst.txt"})
	if err != nil || obs != "File src.txt copied to dst.txt" {
		t.Fatalf("copy = %q, %v", obs, err)
	}
	if f.read(t, "dst.txt") != "payload" {
		t.Error("copy content mismatch")
	}

	_, err = f.run(t, CopyFile, map[string]any{"source": "none.txt", "destination": "dst2.txt"})
	want := "File none.txt copy to dst2.txt failed. Check whether the source and destinations are valid."
	if msg := envMessage(t, err); msg != want {
		t.Errorf("message = %q", msg)
	}
}

func TestListFiles(t *testing.T) {
	f := newProcessFixture(t)
	f.write(t, "train.py", "")
	f.write(t, "data/x.csv", "")

	obs, err := f.run(t, ListFiles, map[string]any{"dir_path": "."})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(obs, "train.py") || !strings.Contains(obs, "data/") {
		t.Errorf("listing = %q", obs)
	}

	_, err = f.run(t, ListFiles, map[string]any{"dir_path": "nope"})
	if msg := envMessage(t, err); msg != "Cannot list file in the nope directory" {
		t.Errorf("message = %q", msg)
	}
}

func TestExecuteScript_Missing(t *testing.T) {
	sb := newFakeSandbox()
	f := newFixture(t, sb)
	_, err := f.run(t, ExecuteScript, map[string]any{"script_name": "missing.py"})
	if msg := envMessage(t, err); msg != "The file missing.py does not exist." {
		t.Errorf("message = %q", msg)
	}
	if len(sb.commands) != 1 || sb.commands[0][0] != "ls" {
		t.Errorf("only the existence probe may run, got %v", sb.commands)
	}
}

func TestExecuteScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"stdout on success", "echo out; echo warn >&2", "out\n"},
		{"stderr when stdout empty", "echo warn >&2", "warn\n"},
		{"stderr on failure", "echo partial; echo boom >&2; exit 2", "boom\n"},
		{"device env", "echo $CUDA_VISIBLE_DEVICES", "3\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newProcessFixture(t)
			f.write(t, "run.sh", tc.script+"\n")

			call := f.call(map[string]any{"script_name": "run.sh"})
			call.Device = 3
			call.LogFile = filepath.Join(t.TempDir(), "tool_logs", "step_0_tool_log.log")
			info, _ := f.reg.Lookup(ExecuteScript)
			obs, err := info.Handler(context.Background(), call)
			if err != nil {
				t.Fatal(err)
			}
			if obs != scriptBanner+tc.want {
				t.Errorf("obs = %q, want %q", obs, scriptBanner+tc.want)
			}
			if _, err := os.Stat(call.LogFile); err != nil {
				t.Errorf("tool log not written: %v", err)
			}
		})
	}
}

// slowSandbox fails every Execute the way a sandbox does when its own
// per-execution timeout fires.
type slowSandbox struct {
	*fakeSandbox
}

func (s slowSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	s.fakeSandbox.Execute(ctx, req)
	return nil, fmt.Errorf("execution interrupted after 1s: %w", context.DeadlineExceeded)
}

func TestExecLimit_IsEnvError(t *testing.T) {
	tests := []struct {
		name string
		act  string
		args map[string]any
		want string
	}{
		{"list files", ListFiles, map[string]any{"dir_path": "."}, "Cannot list file in the . directory"},
		{"copy file", CopyFile, map[string]any{"source": "a.txt", "destination": "b.txt"},
			"File a.txt copy to b.txt failed. Check whether the source and destinations are valid."},
		{"execute script", ExecuteScript, map[string]any{"script_name": "train.py"}, "The file train.py does not exist."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, slowSandbox{newFakeSandbox()})
			_, err := f.run(t, tc.act, tc.args)
			if msg := envMessage(t, err); msg != tc.want {
				t.Errorf("message = %q, want %q", msg, tc.want)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("cause dropped: %v", err)
			}
		})
	}
}

func TestExecLimit_RunDeadlinePassesThrough(t *testing.T) {
	f := newFixture(t, slowSandbox{newFakeSandbox()})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	info, _ := f.reg.Lookup(ListFiles)
	_, err := info.Handler(ctx, f.call(map[string]any{"dir_path": "."}))
	var envErr *action.EnvError
	if errors.As(err, &envErr) {
		t.Fatalf("run deadline converted to EnvError: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestExecuteScript_PerExecutionTimeout(t *testing.T) {
	f := newFixture(t, sandbox.NewProcessSandbox(sandbox.ProcessConfig{DefaultTimeout: 300 * time.Millisecond}, testLogger()))
	f.write(t, "slow.sh", "sleep 5\n")

	start := time.Now()
	_, err := f.run(t, ExecuteScript, map[string]any{"script_name": "slow.sh"})
	msg := envMessage(t, err)
	if !strings.HasPrefix(msg, "Something went wrong in executing slow.sh: ") ||
		!strings.HasSuffix(msg, ". Please check if it is ready to be executed.") {
		t.Errorf("message = %q", msg)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("script not killed at its limit, took %s", elapsed)
	}
}

func TestUndo_LIFO(t *testing.T) {
	f := newProcessFixture(t)
	f.write(t, "train.py", "original")

	call := f.call(nil)
	for _, c := range []string{"e1", "e2", "e3"} {
		if _, err := f.exec.EditScript(context.Background(), call, "train.py", c); err != nil {
			t.Fatal(err)
		}
	}
	if f.read(t, "train.py") != "e3" {
		t.Fatalf("content after edits = %q", f.read(t, "train.py"))
	}

	for _, want := range []string{"e2", "e1", "original"} {
		obs, err := f.run(t, UndoEditScript, map[string]any{"script_name": "train.py"})
		if err != nil {
			t.Fatal(err)
		}
		if obs != "Content of train.py after undo the most recent edit:\n"+want {
			t.Errorf("obs = %q", obs)
		}
		if f.read(t, "train.py") != want {
			t.Errorf("content = %q, want %q", f.read(t, "train.py"), want)
		}
	}

	_, err := f.run(t, UndoEditScript, map[string]any{"script_name": "train.py"})
	if !errors.Is(err, backup.ErrNothingToUndo) || envMessage(t, err) != "There is no change to undo." {
		t.Errorf("fourth undo err = %v", err)
	}
	if entries, _ := os.ReadDir(filepath.Join(f.root, backup.Dir)); len(entries) != 0 {
		t.Errorf("backup dir should be empty, has %d entries", len(entries))
	}
}

func TestReplaceScript(t *testing.T) {
	f := newProcessFixture(t)
	obs, err := f.run(t, ReplaceScript, map[string]any{"script_name": "new.py", "content": "print(1)"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(obs, "print(1)") {
		t.Errorf("obs = %q", obs)
	}
	if f.exec.Backups().Depth("new.py") != 1 {
		t.Error("edit of a new script must push an empty backup")
	}

	low := f.tr.Snapshot().LowLevelSteps
	if len(low) != 2 || low[0].Action.Name != ReadFile || low[1].Action.Name != WriteFile {
		t.Errorf("composite edit should record its read and write, got %+v", low)
	}

	obs, err = f.run(t, UndoEditScript, map[string]any{"script_name": "new.py"})
	if err != nil || obs != "Content of new.py after undo the most recent edit:\n" {
		t.Errorf("undo = %q, %v", obs, err)
	}
}

func TestPythonREPL(t *testing.T) {
	f := newFixture(t, newFakeSandbox())
	_, err := f.run(t, PythonREPL, map[string]any{"command": "print(1)"})
	if msg := envMessage(t, err); msg != "Not implemented" {
		t.Errorf("message = %q", msg)
	}
	_, err = f.run(t, PythonREPL, map[string]any{})
	var argErr *action.ArgumentError
	if !errors.As(err, &argErr) {
		t.Errorf("missing command err = %v", err)
	}
}

func TestMissingArgument(t *testing.T) {
	f := newFixture(t, newFakeSandbox())
	_, err := f.run(t, WriteFile, map[string]any{"file_name": "a.txt"})
	var argErr *action.ArgumentError
	if !errors.As(err, &argErr) || argErr.Param != "content" {
		t.Errorf("err = %v, want ArgumentError for content", err)
	}
}

func TestScanReadOnly(t *testing.T) {
	f := newProcessFixture(t)
	f.write(t, "train.py", "")
	f.write(t, "data/train.csv", "")
	f.write(t, "data/deep/test.csv", "")

	set, err := f.exec.ScanReadOnly(context.Background(), f.root, []string{"data/*", "train.py"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(set.Files(), ","); got != "data/deep/test.csv,data/train.csv,train.py" {
		t.Errorf("Files() = %s", got)
	}
}
