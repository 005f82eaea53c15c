package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker reports liveness of the run process and readiness of the
// dependencies it registered (trace store, docker daemon).
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]func(ctx context.Context) error
	order   []string
	logger  *slog.Logger
	started time.Time
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]func(ctx context.Context) error),
		logger:  logger,
		started: time.Now(),
	}
}

// AddCheck registers check under name. Registering a name twice replaces
// the earlier check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckHealth is always ok while the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, Uptime: time.Since(h.started).Round(time.Second).String()}
}

// CheckReady runs every check concurrently under a shared timeout. The
// run is degraded when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	checks := make([]func(ctx context.Context) error, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			err := checks[i](ctx)
			results[i] = CheckResult{Status: StatusOK, Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Message = err.Error()
			}
		}(i)
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(names))}
	for i, n := range names {
		status.Checks[n] = results[i]
		if results[i].Status == StatusOK {
			continue
		}
		status.Status = StatusDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", n),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
