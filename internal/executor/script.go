package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/backup"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/sandbox"
)

const scriptBanner = "The script has been executed. Here is the output:\n"

func (e *Executor) executeScript(ctx context.Context, call *action.Call) (string, error) {
	script, err := call.String("script_name")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, script)
	if err != nil {
		return "", err
	}

	// Existence is probed explicitly so a missing script never spawns the runtime.
	probe, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{"ls", abs},
		WorkingDir: call.WorkDir,
	})
	if err != nil {
		return "", e.envError(ctx, err, "The file %s does not exist.", script)
	}
	if strings.TrimSpace(probe.Stdout) == "" {
		return "", action.EnvErrorf("The file %s does not exist.", script)
	}

	python := call.Python
	if python == "" {
		python = "python"
	}
	res, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{python, "-u", script},
		WorkingDir: call.WorkDir,
		Env:        map[string]string{"CUDA_VISIBLE_DEVICES": strconv.Itoa(call.Device)},
	})
	if err != nil {
		return "", e.envError(ctx, err,
			"Something went wrong in executing %s: %v. Please check if it is ready to be executed.", script, err)
	}

	observation := res.Stdout
	if res.ExitCode != 0 || observation == "" {
		observation = res.Stderr
	}
	e.writeToolLog(call, script, res)
	return scriptBanner + observation, nil
}

// writeToolLog keeps the full output of a script run next to the run logs.
func (e *Executor) writeToolLog(call *action.Call, script string, res *sandbox.ExecutionResult) {
	if call.LogFile == "" {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "script: %s\nexit_code: %d\nduration: %s\n", script, res.ExitCode, res.Duration)
	b.WriteString("--- stdout ---\n")
	b.WriteString(res.Stdout)
	b.WriteString("\n--- stderr ---\n")
	b.WriteString(res.Stderr)
	b.WriteString("\n")

	if err := os.MkdirAll(filepath.Dir(call.LogFile), 0750); err == nil {
		f, err := os.OpenFile(call.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err == nil {
			_, err = f.WriteString(b.String())
			f.Close()
		}
		if err != nil {
			e.logger.Warn("failed to write tool log",
				slog.String("path", call.LogFile),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Executor) undoEditScript(ctx context.Context, call *action.Call) (string, error) {
	script, err := call.String("script_name")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, script)
	if err != nil {
		return "", err
	}

	entry, err := e.backups.Peek(script)
	if errors.Is(err, backup.ErrNothingToUndo) {
		return "", action.NewEnvError("There is no change to undo.", err)
	}
	if err != nil {
		return "", err
	}

	undoFailed := func(cause error) error {
		return e.envError(ctx, cause, "Cannot undo the edit of file name %s. Check the file name again.", script)
	}
	if err := e.sandbox.WriteFile(ctx, abs, entry.Content); err != nil {
		return "", undoFailed(err)
	}
	if _, err := e.backups.Pop(ctx, script); err != nil {
		return "", undoFailed(err)
	}
	restored, err := e.sandbox.ReadFile(ctx, abs)
	if err != nil {
		return "", undoFailed(err)
	}
	return fmt.Sprintf("Content of %s after undo the most recent edit:\n", script) + restored, nil
}

func (e *Executor) replaceScript(ctx context.Context, call *action.Call) (string, error) {
	script, err := call.String("script_name")
	if err != nil {
		return "", err
	}
	content, err := call.String("content")
	if err != nil {
		return "", err
	}
	if _, err := e.EditScript(ctx, call, script, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("The edited file is saved to %s. Here is the new content:\n", script) + content, nil
}

// EditScript overwrites script with content after pushing its current
// content onto the undo stack. A missing script is created and backed up as
// empty. The read and write are issued as low-level actions so they appear
// in the trace.
func (e *Executor) EditScript(ctx context.Context, call *action.Call, script, content string) (backup.Entry, error) {
	previous, err := e.Invoke(ctx, call, ReadFile, map[string]any{"file_name": script})
	if err != nil {
		var envErr *action.EnvError
		if !errors.As(err, &envErr) || !errors.Is(err, sandbox.ErrNotExist) {
			return backup.Entry{}, err
		}
		previous = ""
	}

	entry, err := e.backups.Push(ctx, script, previous)
	if err != nil {
		return backup.Entry{}, action.NewEnvError(fmt.Sprintf("cannot back up file %s", script), err)
	}

	if _, err := e.Invoke(ctx, call, WriteFile, map[string]any{"file_name": script, "content": content}); err != nil {
		// The edit never happened; drop the snapshot so undo stays in step.
		if _, popErr := e.backups.Pop(ctx, script); popErr != nil {
			e.logger.Warn("failed to drop backup after failed edit",
				slog.String("script", script),
				slog.String("error", popErr.Error()),
			)
		}
		return backup.Entry{}, err
	}
	return entry, nil
}

// ScanReadOnly lists every file under root through the sandbox and matches
// it against patterns. The result is fixed for the run.
func (e *Executor) ScanReadOnly(ctx context.Context, root string, patterns []string) (*guard.ReadOnlySet, error) {
	res, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{"find", ".", "-type", "f"},
		WorkingDir: root,
	})
	if err != nil {
		return nil, fmt.Errorf("listing work root %s: %w", root, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing work root %s: exit %d: %s", root, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return guard.NewReadOnlySet(patterns, files)
}
