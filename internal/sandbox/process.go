package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty training loops.
const maxOutputBytes = 1 << 20 // 1 MB

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	// DefaultTimeout bounds a single execution. Zero leaves it to the run deadline.
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	// PassEnv lists host variables copied into the child environment
	// (e.g. PYTHONPATH, VIRTUAL_ENV). Nothing else is inherited.
	PassEnv []string
	// MaxFileBytes caps ReadFile. Zero = unlimited.
	MaxFileBytes int64
}

// ProcessSandbox executes commands as OS processes rooted in the work
// directory.
//
//   - Each process runs in its own process group (Setpgid)
//   - The whole group is killed on timeout/cancel and on TerminateAll
//   - The environment is rebuilt from a minimal set plus PassEnv
//   - Optional resource limits are enforced via ulimit
//   - stdout/stderr are capped
type ProcessSandbox struct {
	hostFiles

	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	passEnv        []string
	logger         *slog.Logger

	mu      sync.Mutex
	running map[int]struct{} // live process group ids
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	return &ProcessSandbox{
		hostFiles:      hostFiles{maxFileBytes: cfg.MaxFileBytes},
		defaultTimeout: cfg.DefaultTimeout,
		defaultLimits:  cfg.DefaultLimits,
		passEnv:        cfg.PassEnv,
		logger:         logger,
		running:        make(map[int]struct{}),
	}
}

// Execute runs a command and waits for it. A non-zero exit is a result, not an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tmpDir, err := os.MkdirTemp("", "mlbench-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	limits := s.resolveLimits(req.Limits)

	// The command is passed as positional parameters to `exec "$@"` so it is
	// never interpolated into the shell string.
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", limitScript(limits), "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else {
		cmd.Dir = tmpDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.Env = s.buildEnv(tmpDir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	pgid := cmd.Process.Pid
	s.track(pgid)
	runErr := cmd.Wait()
	s.untrack(pgid)
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("sandbox execution interrupted",
				slog.Duration("duration", duration),
				slog.String("reason", ctx.Err().Error()),
			)
			return nil, fmt.Errorf("execution interrupted after %s: %w", duration.Round(time.Millisecond), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.Debug("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// TerminateAll kills every process group still running.
func (s *ProcessSandbox) TerminateAll() int {
	s.mu.Lock()
	pgids := make([]int, 0, len(s.running))
	for pgid := range s.running {
		pgids = append(pgids, pgid)
	}
	s.mu.Unlock()

	killed := 0
	for _, pgid := range pgids {
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				s.logger.Warn("failed to kill process group",
					slog.Int("pgid", pgid),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		killed++
	}
	return killed
}

// Running returns the number of live process groups.
func (s *ProcessSandbox) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *ProcessSandbox) track(pgid int) {
	s.mu.Lock()
	s.running[pgid] = struct{}{}
	s.mu.Unlock()
}

func (s *ProcessSandbox) untrack(pgid int) {
	s.mu.Lock()
	delete(s.running, pgid)
	s.mu.Unlock()
}

func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

func limitScript(limits ResourceLimits) string {
	var b strings.Builder
	if limits.MaxMemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", limits.MaxMemoryMB*1024)
	}
	if limits.MaxCPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", limits.MaxCPUSeconds)
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}

// buildEnv constructs the child environment. Only PassEnv variables are
// taken from the host.
func (s *ProcessSandbox) buildEnv(tmpDir string, extra map[string]string) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	env := []string{
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
	}
	for _, k := range s.passEnv {
		v, ok := os.LookupEnv(k)
		if !ok {
			continue
		}
		if k == "PATH" {
			path = v
			continue
		}
		env = append(env, k+"="+v)
	}
	env = append(env, "PATH="+path)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter stops writing after a byte limit. Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
