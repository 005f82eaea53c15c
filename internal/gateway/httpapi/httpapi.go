// Package httpapi implements the read-only inspect server for a run.
//
// It exposes the live trace, run status, the action schema, stored runs,
// health probes and Prometheus metrics. Nothing here can execute an action.
//
// Security:
//   - Optional API key authentication on /v1 (constant-time comparison)
//   - Binds to loopback by default; TLS expected via reverse proxy
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/env"
	"github.com/jkaninda/mlbench/internal/gateway"
	"github.com/jkaninda/mlbench/internal/observability"
	"github.com/jkaninda/mlbench/internal/ratelimit"
	"github.com/jkaninda/mlbench/internal/storage"
	"github.com/jkaninda/mlbench/internal/trace"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Run is the read side of an environment.
type Run interface {
	Snapshot() trace.Snapshot
	Status() env.Status
	Registry() *action.Registry
}

// Config configures the inspect server.
type Config struct {
	ListenAddr string // e.g., "127.0.0.1:8088"
	EnableDocs bool
	APIKeys    []string // Empty disables authentication.

	RateLimiter *ratelimit.Limiter // Per-client limit on /v1. Nil = unlimited.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          oteltrace.Tracer                // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP inspect server.
type Gateway struct {
	config Config
	run    Run
	logger *slog.Logger
	server *http.Server

	runs          storage.TraceStore // nil = /v1/runs disabled.
	promptActions []string           // nil = every registered action.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket trace stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an inspect server for run.
func NewGateway(cfg Config, run Run, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		run:    run,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// WithStore enables the stored-run endpoints.
func (g *Gateway) WithStore(store storage.TraceStore) *Gateway {
	g.runs = store
	return g
}

// WithPromptActions sets the action names reported by /v1/actions?prompt=true.
func (g *Gateway) WithPromptActions(names []string) *Gateway {
	g.promptActions = names
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "mlbench",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Routes registers every endpoint. Start calls it; tests call it directly
// and serve the result through Handler.
func (g *Gateway) Routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	if len(g.config.APIKeys) > 0 || g.config.RateLimiter != nil {
		g.group = g.okapi.Group("/v1", g.protect)
	} else {
		g.group = g.okapi.Group("/v1")
	}

	g.group.Get("/status", g.handleStatus,
		okapi.DocSummary("Current run status"),
		okapi.DocTags("Run"),
		okapi.DocResponse(env.Status{}),
	)
	g.group.Get("/trace", g.handleTrace,
		okapi.DocSummary("Trace snapshot; ?since=N returns steps from index N"),
		okapi.DocTags("Trace"),
		okapi.DocResponse(trace.Snapshot{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/trace/steps/{index}", g.handleTraceStep,
		okapi.DocSummary("A single recorded step"),
		okapi.DocTags("Trace"),
		okapi.DocPathParam("index", "integer", "Step index"),
		okapi.DocResponse(trace.Step{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/trace/events", g.handleTraceEvents,
		okapi.DocSummary("Trace snapshot as server-sent events"),
		okapi.DocTags("Trace"),
	)
	g.group.Get("/actions", g.handleActions,
		okapi.DocSummary("Registered action schema; ?prompt=true lists prompt actions only"),
		okapi.DocTags("Actions"),
		okapi.DocResponse([]action.Schema{}),
	)
	g.group.Get("/actions/{name}", g.handleAction,
		okapi.DocSummary("Schema of one action"),
		okapi.DocTags("Actions"),
		okapi.DocPathParam("name", "string", "Action name"),
		okapi.DocResponse(action.Schema{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Stored run endpoints (only if a trace store is configured).
	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("Stored runs, newest first"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunResponse{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("A stored run"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/runs/{id}/steps", g.handleRunSteps,
			okapi.DocSummary("Stored steps of a run; ?kind=low_level for low-level steps"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID"),
			okapi.DocResponse([]trace.Step{}),
		)
	}

	// Extra handlers (e.g., WebSocket trace stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.Routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("inspect server starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("inspect server stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.run.Status())
}

func (g *Gateway) handleTrace(c *okapi.Context) error {
	snap := g.run.Snapshot()
	if raw := c.Request().URL.Query().Get("since"); raw != "" {
		since, err := strconv.Atoi(raw)
		if err != nil || since < 0 {
			return c.AbortBadRequest("since must be a non-negative integer")
		}
		if since > len(snap.Steps) {
			since = len(snap.Steps)
		}
		snap.Steps = snap.Steps[since:]
	}
	return c.OK(snap)
}

func (g *Gateway) handleTraceStep(c *okapi.Context) error {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.AbortBadRequest("index must be an integer")
	}
	snap := g.run.Snapshot()
	if idx < 0 || idx >= len(snap.Steps) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "step not found"})
	}
	return c.OK(snap.Steps[idx])
}

func (g *Gateway) handleActions(c *okapi.Context) error {
	reg := g.run.Registry()
	if c.Request().URL.Query().Get("prompt") != "true" {
		return c.OK(reg.Schema())
	}

	names := g.promptActions
	if names == nil {
		names = reg.Names()
	}
	infos := make([]action.Info, 0, len(names))
	for _, name := range names {
		if info, ok := reg.Lookup(name); ok {
			infos = append(infos, info)
		}
	}
	return c.OK(action.SchemaOf(infos))
}

func (g *Gateway) handleAction(c *okapi.Context) error {
	info, ok := g.run.Registry().Lookup(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "action not found"})
	}
	return c.OK(action.SchemaOf([]action.Info{info})[0])
}

// --- Stored runs ---

// RunResponse is the JSON shape of a stored run.
type RunResponse struct {
	ID              string     `json:"id"`
	Task            string     `json:"task"`
	ResearchProblem string     `json:"research_problem,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ElapsedSecs     float64    `json:"elapsed_seconds"`
}

func toRunResponse(r *storage.Run) RunResponse {
	return RunResponse{
		ID:              r.ID,
		Task:            r.Task,
		ResearchProblem: r.ResearchProblem,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		ElapsedSecs:     r.Elapsed.Seconds(),
	}
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit := 50
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.AbortBadRequest("limit must be an integer")
		}
		limit = n
	}
	runs, err := g.runs.ListRuns(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = toRunResponse(&runs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	run, err := g.runs.GetRun(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
		}
		g.logger.Error("getting run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("getting run failed")
	}
	return c.OK(toRunResponse(run))
}

func (g *Gateway) handleRunSteps(c *okapi.Context) error {
	kind := trace.KindStep
	if trace.Kind(c.Request().URL.Query().Get("kind")) == trace.KindLowLevel {
		kind = trace.KindLowLevel
	}
	steps, err := g.runs.ListSteps(c.Context(), c.Param("id"), kind)
	if err != nil {
		g.logger.Error("listing steps failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing steps failed")
	}
	return c.OK(steps)
}

// --- Middleware ---

// protect applies authentication (when API keys are set), then the rate limit.
func (g *Gateway) protect(next okapi.HandlerFunc) okapi.HandlerFunc {
	limited := g.rateLimit(next)
	if len(g.config.APIKeys) > 0 {
		return g.authenticate(limited)
	}
	return limited
}

// rateLimit keys buckets by API key, or by remote host without one.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		key := strings.TrimPrefix(c.Header("Authorization"), "Bearer ")
		if key == "" {
			key = c.Request().RemoteAddr
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
		}
		if err := g.config.RateLimiter.Allow(key); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		valid := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				valid = true
			}
		}
		if !valid {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}
