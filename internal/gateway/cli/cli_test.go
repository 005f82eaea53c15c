package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/gateway"
)

var _ gateway.Gateway = (*Gateway)(nil)

type fakeExec struct {
	reg   *action.Registry
	calls []action.Action
	final bool
	err   error
}

func (f *fakeExec) Registry() *action.Registry { return f.reg }
func (f *fakeExec) IsFinal() bool              { return f.final }
func (f *fakeExec) Execute(_ context.Context, a action.Action) (string, error) {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return "", f.err
	}
	if a.Name == action.FinalAnswer {
		f.final = true
		return "end", nil
	}
	return "ok:" + a.Name, nil
}

func noop(context.Context, *action.Call) (string, error) { return "", nil }

func newFakeExec() *fakeExec {
	reg := action.NewRegistry()
	reg.Register(action.Info{Name: "List Files", Description: "list", Usage: action.Usage{{Name: "dir_path", Description: "a path"}}, ReturnValue: "files", Handler: noop})
	reg.Freeze()
	return &fakeExec{reg: reg}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShell_ExecutesUntilFinal(t *testing.T) {
	exec := newFakeExec()
	in := strings.NewReader(strings.Join([]string{
		`{"name": "List Files", "args": {"dir_path": "."}}`,
		`not json`,
		``,
		`actions`,
		`{"name": "Final Answer", "args": "Done!"}`,
		`{"name": "List Files", "args": {"dir_path": "."}}`,
	}, "\n"))
	var out bytes.Buffer

	g := NewGateway(exec, []string{"List Files"}, in, &out, testLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(exec.calls) != 2 {
		t.Fatalf("calls = %+v, want List Files then Final Answer", exec.calls)
	}
	text := out.String()
	for _, want := range []string{"Observation: ok:List Files", "Invalid action:", "Action: List Files", "Observation: end", "Run is final."} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestShell_Exit(t *testing.T) {
	exec := newFakeExec()
	var out bytes.Buffer
	g := NewGateway(exec, nil, strings.NewReader("exit\n{\"name\": \"List Files\"}\n"), &out, testLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("calls after exit = %+v", exec.calls)
	}
}

func TestShell_FatalErrorReturned(t *testing.T) {
	exec := newFakeExec()
	exec.err = action.ErrTimeout
	g := NewGateway(exec, nil, strings.NewReader(`{"name": "List Files", "args": {}}`+"\n"), io.Discard, testLogger())
	if err := g.Start(context.Background()); !errors.Is(err, action.ErrTimeout) {
		t.Errorf("Start = %v, want ErrTimeout", err)
	}
}

func TestShell_Stop(t *testing.T) {
	g := NewGateway(newFakeExec(), nil, strings.NewReader("\n\n"), io.Discard, testLogger())
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())
	if err := g.Start(context.Background()); err != nil {
		t.Errorf("Start after Stop = %v", err)
	}
}
