package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/sandbox"
)

func (e *Executor) listFiles(ctx context.Context, call *action.Call) (string, error) {
	dir, err := call.String("dir_path")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, dir)
	if err != nil {
		return "", err
	}
	res, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{"ls", "-F", abs},
		WorkingDir: call.WorkDir,
	})
	if err := e.execFailure(ctx, err, res); err != nil {
		return "", e.envError(ctx, err, "Cannot list file in the %s directory", dir)
	}
	return res.Stdout, nil
}

func (e *Executor) readFile(ctx context.Context, call *action.Call) (string, error) {
	name, err := call.String("file_name")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, name)
	if err != nil {
		return "", err
	}
	content, err := e.sandbox.ReadFile(ctx, abs)
	if err != nil {
		return "", e.envError(ctx, err, "cannot read file %s", name)
	}
	return content, nil
}

func (e *Executor) writeFile(ctx context.Context, call *action.Call) (string, error) {
	name, err := call.String("file_name")
	if err != nil {
		return "", err
	}
	content, err := call.String("content")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, name)
	if err != nil {
		return "", err
	}
	if err := e.sandbox.WriteFile(ctx, abs, content); err != nil {
		return "", e.envError(ctx, err, "cannot write file %s", name)
	}
	return fmt.Sprintf("File %s written successfully.", name), nil
}

// appendFile reads, concatenates and rewrites; the sandbox has no append primitive.
func (e *Executor) appendFile(ctx context.Context, call *action.Call) (string, error) {
	name, err := call.String("file_name")
	if err != nil {
		return "", err
	}
	content, err := call.String("content")
	if err != nil {
		return "", err
	}
	abs, err := guard.Resolve(call.WorkDir, name)
	if err != nil {
		return "", err
	}
	existing, err := e.sandbox.ReadFile(ctx, abs)
	if err == nil {
		err = e.sandbox.WriteFile(ctx, abs, existing+content)
	}
	if err != nil {
		return "", e.envError(ctx, err, "cannot append file %s", name)
	}
	return fmt.Sprintf("File %s appended successfully.", name), nil
}

func (e *Executor) copyFile(ctx context.Context, call *action.Call) (string, error) {
	src, err := call.String("source")
	if err != nil {
		return "", err
	}
	dst, err := call.String("destination")
	if err != nil {
		return "", err
	}
	absSrc, err := guard.Resolve(call.WorkDir, src)
	if err != nil {
		return "", err
	}
	absDst, err := guard.Resolve(call.WorkDir, dst)
	if err != nil {
		return "", err
	}
	res, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    []string{"cp", absSrc, absDst},
		WorkingDir: call.WorkDir,
	})
	if err := e.execFailure(ctx, err, res); err != nil {
		return "", e.envError(ctx, err,
			"File %s copy to %s failed. Check whether the source and destinations are valid.", src, dst)
	}
	return fmt.Sprintf("File %s copied to %s", src, dst), nil
}

// errNonZeroExit marks a helper command that ran but failed.
var errNonZeroExit = errors.New("non-zero exit")

// execFailure folds a nonzero exit into an error so helper commands (ls, cp)
// report failure uniformly.
func (e *Executor) execFailure(ctx context.Context, err error, res *sandbox.ExecutionResult) error {
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w %d: %s", errNonZeroExit, res.ExitCode, res.Stderr)
	}
	return ctx.Err()
}

// envError converts a low-level failure into the agent-facing EnvError.
// The failure is passed through untouched only when the run context itself
// is done; a sandbox that hit its own per-execution limit is an ordinary
// environment error and the run continues.
func (e *Executor) envError(ctx context.Context, cause error, format string, args ...any) error {
	if ctx.Err() != nil && (errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled)) {
		return cause
	}
	return action.NewEnvError(fmt.Sprintf(format, args...), cause)
}
