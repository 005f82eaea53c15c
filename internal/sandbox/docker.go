package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "python:3.11-slim"
	defaultDockerUser      = "65534:65534"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Container image with the task's Python stack.
	WorkRoot       string        // Host work root, bind-mounted at its symlink-free path.
	User           string        // --user (default nobody).
	DefaultTimeout time.Duration // Per-execution timeout. Zero = run deadline only.
	MemoryMB       int           // --memory hard limit. Zero = unlimited.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
	NetworkAllowed bool          // false = --network=none.
	GPUs           string        // --gpus value (e.g. "all"). Empty = no GPUs.
	MaxFileBytes   int64
}

// DockerSandbox runs each command in an ephemeral hardened container with
// the work root bind-mounted read-write. File reads and writes go through
// the host side of the mount.
type DockerSandbox struct {
	hostFiles

	config DockerConfig
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]struct{} // live container names
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	cfg.WorkRoot = canonicalPath(cfg.WorkRoot)
	return &DockerSandbox{
		hostFiles: hostFiles{maxFileBytes: cfg.MaxFileBytes},
		config:    cfg,
		logger:    logger,
		running:   make(map[string]struct{}),
	}
}

// Execute runs a command inside an ephemeral container.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := s.config.MemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	args := s.buildDockerArgs(containerName, memoryMB, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("docker sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Any("command", req.Command),
		slog.Int("memory_mb", memoryMB),
		slog.Duration("timeout", timeout),
	)

	s.track(containerName)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// --rm does not fire on OOM kill or a cancelled client.
	s.forceRemoveContainer(containerName)
	s.untrack(containerName)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("docker sandbox interrupted",
				slog.String("container", containerName),
				slog.Duration("duration", duration),
				slog.String("reason", ctx.Err().Error()),
			)
			return nil, fmt.Errorf("execution interrupted after %s: %w", duration.Round(time.Millisecond), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	s.logger.Debug("docker sandbox completed",
		slog.String("container", containerName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// TerminateAll removes every container still running.
func (s *DockerSandbox) TerminateAll() int {
	s.mu.Lock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.forceRemoveContainer(name)
		s.untrack(name)
	}
	return len(names)
}

func (s *DockerSandbox) track(name string) {
	s.mu.Lock()
	s.running[name] = struct{}{}
	s.mu.Unlock()
}

func (s *DockerSandbox) untrack(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// buildDockerArgs constructs the docker run argument list. The command
// itself is appended by the caller.
func (s *DockerSandbox) buildDockerArgs(name string, memoryMB int, req ExecutionRequest) []string {
	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + s.config.User,

		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),

		"--tmpfs", "/tmp:rw,nosuid,size=512m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--env", "PYTHONUNBUFFERED=1",
	}

	if memoryMB > 0 {
		memoryFlag := strconv.Itoa(memoryMB) + "m"
		args = append(args, "--memory="+memoryFlag, "--memory-swap="+memoryFlag)
	}

	if s.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if s.config.GPUs != "" {
		args = append(args, "--gpus", s.config.GPUs)
	}

	if s.config.WorkRoot != "" {
		args = append(args, "--volume", s.config.WorkRoot+":"+s.config.WorkRoot+":rw")
	}

	if req.WorkingDir != "" {
		args = append(args, "--workdir", canonicalPath(req.WorkingDir))
	} else {
		args = append(args, "--workdir", "/home/sandbox")
	}

	// Sorted so the argument list is stable.
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+req.Env[k])
	}

	args = append(args, s.config.Image)
	return args
}

// forceRemoveContainer removes a container by name, best effort.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: mlbench-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mlbench-sbx-" + hex.EncodeToString(b), nil
}

// canonicalPath returns p absolute and with symlinks resolved, so the mount
// matches the paths the guard hands to commands. Paths that cannot be
// resolved are returned as given.
func canonicalPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}
