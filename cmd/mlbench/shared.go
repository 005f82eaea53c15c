package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/agent"
	"github.com/jkaninda/mlbench/internal/backup"
	"github.com/jkaninda/mlbench/internal/config"
	"github.com/jkaninda/mlbench/internal/env"
	"github.com/jkaninda/mlbench/internal/executor"
	"github.com/jkaninda/mlbench/internal/gateway"
	"github.com/jkaninda/mlbench/internal/gateway/httpapi"
	wsgw "github.com/jkaninda/mlbench/internal/gateway/ws"
	"github.com/jkaninda/mlbench/internal/guard"
	"github.com/jkaninda/mlbench/internal/observability"
	"github.com/jkaninda/mlbench/internal/ratelimit"
	"github.com/jkaninda/mlbench/internal/sandbox"
	"github.com/jkaninda/mlbench/internal/scheduler"
	"github.com/jkaninda/mlbench/internal/storage"
	pgstore "github.com/jkaninda/mlbench/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/mlbench/internal/storage/sqlite"
	"github.com/jkaninda/mlbench/internal/trace"
	"github.com/jkaninda/mlbench/internal/workspace"
)

// streamPath is where the live trace WebSocket is mounted on the inspect server.
const streamPath = "/v1/trace/stream"

// RunComponents holds every subsystem of one environment run. Built once by
// initRun, torn down by Cleanup.
type RunComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	RunID     string

	Obs           *observability.Observability
	Sandbox       sandbox.Sandbox
	Executor      *executor.Executor
	Env           *env.Environment
	Store         storage.Store
	Stream        *wsgw.Server
	Health        *observability.HealthChecker
	PromptActions []string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (rc *RunComponents) Cleanup() {
	for i := len(rc.cleanups) - 1; i >= 0; i-- {
		rc.cleanups[i]()
	}
}

func (rc *RunComponents) addCleanup(fn func()) {
	rc.cleanups = append(rc.cleanups, fn)
}

// loadConfig resolves the config path: an explicit --config flag takes
// priority over MLBENCH_CONFIG.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		path = goutils.Env("MLBENCH_CONFIG", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the operator log on stderr at the configured level.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initRun performs every step needed before the first action: log layout,
// sandbox, action table, read-only scan, storage and trace sinks.
// Callers must call rc.Cleanup() when done.
func initRun(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*RunComponents, error) {
	rc := &RunComponents{
		Config: cfg,
		Logger: logger,
		RunID:  uuid.New().String(),
	}

	// Workspace.
	ws, err := initWorkspace(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	rc.Workspace = ws
	rc.addCleanup(func() {
		if err := ws.Unlock(); err != nil {
			logger.Error("releasing log dir lock", slog.String("error", err.Error()))
		}
	})
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	workDir, err := cfg.ResolvedWorkDir()
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("resolving work dir: %w", err)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		rc.Cleanup()
		return nil, fmt.Errorf("work dir %s is not a directory", workDir)
	}

	researchProblem, err := cfg.LoadResearchProblem()
	if err != nil {
		rc.Cleanup()
		return nil, err
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	rc.Obs = obs
	rc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Sandbox.
	sb, err := initSandbox(cfg, workDir, logger)
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	instrumented := observability.NewInstrumentedSandbox(sb, cfg.Sandbox.Type,
		obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	rc.Sandbox = instrumented
	logger.Debug("sandbox initialized", slog.String("type", cfg.Sandbox.Type))

	// Action table.
	exec := executor.New(rc.Sandbox, backup.NewManager(workDir, rc.Sandbox, logger), logger)
	reg := action.NewRegistry()
	exec.Register(reg)
	rc.Executor = exec

	// Read-only files are fixed for the whole run.
	patterns, err := readOnlyPatterns(cfg)
	if err != nil {
		rc.Cleanup()
		return nil, err
	}
	readOnly, err := exec.ScanReadOnly(ctx, workDir, patterns)
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("scanning read-only files: %w", err)
	}
	logger.Debug("read-only files resolved",
		slog.Int("patterns", len(patterns)),
		slog.Int("files", len(readOnly.Files())),
	)

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	rc.Store = store
	rc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	rc.Health = obs.HealthOrNil()
	if rc.Health == nil {
		rc.Health = observability.NewHealthChecker(logger)
	}
	rc.Health.AddCheck("store", store.Ping)

	// Trace sinks.
	events, err := trace.NewFileSink(ws.EventsPath())
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	rc.addCleanup(func() { _ = events.Close() })

	e, err := env.New(env.Config{
		Task:            cfg.Task,
		ResearchProblem: researchProblem,
		WorkDir:         workDir,
		Device:          cfg.Device,
		Python:          cfg.Python,
		MaxSteps:        cfg.MaxSteps,
		MaxTime:         cfg.MaxTime(),
	}, reg, ws,
		env.WithLogger(logger),
		env.WithReadOnly(readOnly),
		env.WithTerminator(instrumented),
		env.WithMetrics(obs.MetricsOrNil()),
		env.WithAnomaly(obs.AnomalyOrNil()),
		env.WithTracer(obs.TracerOrNil().Tracer()),
		env.WithTraceOptions(
			trace.WithRunID(rc.RunID),
			trace.WithSinks(events, observability.NewMetricsSink(obs.MetricsOrNil()), storage.NewSink(store.Traces())),
		),
	)
	if err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("creating environment: %w", err)
	}
	rc.Env = e

	stream := wsgw.NewServer(e, wsgw.Config{Token: goutils.Env("MLBENCH_INSPECT_TOKEN", "")}, logger)
	e.AddSink(stream)
	rc.Stream = stream
	rc.addCleanup(stream.Close)

	if err := store.Traces().SaveRun(ctx, storage.Run{
		ID:              rc.RunID,
		Task:            cfg.Task,
		ResearchProblem: researchProblem,
		Status:          storage.RunRunning,
		StartedAt:       time.Now(),
	}); err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("recording run: %w", err)
	}

	// Prompt selection and the agent log header.
	rc.PromptActions = agent.PromptActions(reg.Names(), cfg.Actions.RemoveFromPrompt, cfg.Actions.AddToPrompt)
	if err := agent.WriteMainLogHeader(ws.MainLogPath(), rc.PromptActions); err != nil {
		rc.Cleanup()
		return nil, fmt.Errorf("writing agent log header: %w", err)
	}

	logger.Info("run initialized",
		slog.String("run_id", rc.RunID),
		slog.String("task", cfg.Task),
		slog.String("work_dir", workDir),
		slog.String("log_dir", ws.Root),
		slog.Int("max_steps", cfg.MaxSteps),
		slog.Duration("max_time", cfg.MaxTime()),
	)
	return rc, nil
}

// Finish writes the run epilogue and marks the stored run finished or failed.
func (rc *RunComponents) Finish(runErr error) error {
	closeErr := rc.Env.Close(runErr)

	status := storage.RunFinished
	if runErr != nil {
		status = storage.RunFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rc.Store.Traces().FinishRun(ctx, rc.RunID, status, rc.Env.Elapsed()); err != nil {
		rc.Logger.Error("recording run result", slog.String("error", err.Error()))
	}

	st := rc.Env.Status()
	rc.Logger.Info("run finished",
		slog.String("run_id", rc.RunID),
		slog.String("status", string(status)),
		slog.Int("steps", st.Steps),
		slog.Int("low_level_steps", st.LowLevelSteps),
		slog.Float64("elapsed_s", st.ElapsedSecs),
	)
	return closeErr
}

// startCheckpoints launches the checkpoint scheduler when enabled. The
// returned function stops it.
func (rc *RunComponents) startCheckpoints(ctx context.Context) func() {
	cfg := rc.Config
	if cfg.Checkpoint == nil || !cfg.Checkpoint.Enabled {
		return func() {}
	}
	schedule, err := config.ParseSchedule(cfg.Checkpoint.Schedule)
	if err != nil {
		rc.Logger.Error("checkpoint scheduler disabled", slog.String("error", err.Error()))
		return func() {}
	}
	metrics := scheduler.NewMetrics(metricsRegistry(rc.Obs))
	return scheduler.New(rc.Env, rc.Workspace, schedule, metrics, rc.Logger).Start(ctx)
}

// serveInspect runs the inspect server in g until ctx is done. No-op when
// the server is disabled.
func (rc *RunComponents) serveInspect(ctx context.Context, g *errgroup.Group) {
	if gw := rc.inspectServer(); gw != nil {
		serveGateway(ctx, g, "inspect server", gw)
	}
}

// serveGateway starts gw in g and stops it with a grace period once ctx is
// done.
func serveGateway(ctx context.Context, g *errgroup.Group, name string, gw gateway.Gateway) {
	g.Go(func() error {
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gw.Stop(shutdownCtx)
	})
}

// inspectServer builds the inspect server, or nil when disabled.
func (rc *RunComponents) inspectServer() *httpapi.Gateway {
	cfg := rc.Config
	if cfg.Inspect == nil || !cfg.Inspect.Enabled {
		return nil
	}

	var apiKeys []string
	if token := goutils.Env("MLBENCH_INSPECT_TOKEN", ""); token != "" {
		apiKeys = []string{token}
	}

	var limiter *ratelimit.Limiter
	if cfg.Inspect.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.Inspect.RequestsPerMinute})
	}

	return httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Inspect.Addr,
		EnableDocs:      true,
		APIKeys:         apiKeys,
		RateLimiter:     limiter,
		MetricsRegistry: metricsRegistry(rc.Obs),
		MetricsPath:     cfg.MetricsPath(),
		HealthChecker:   rc.Health,
		Metrics:         rc.Obs.MetricsOrNil(),
		Tracer:          rc.Obs.TracerOrNil().Tracer(),
	}, rc.Env, rc.Logger).
		WithStore(rc.Store.Traces()).
		WithPromptActions(rc.PromptActions).
		WithHandler(streamPath, rc.Stream.Handler())
}

// initWorkspace creates the log layout and takes the per-directory lock.
func initWorkspace(cfg *config.Config, logger *slog.Logger) (*workspace.Workspace, error) {
	ws, err := workspace.New(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	if err := ws.Lock(); err != nil {
		return nil, err
	}
	if err := ws.EnsureAll(logger); err != nil {
		_ = ws.Unlock()
		return nil, err
	}
	return ws, nil
}

// readOnlyPatterns merges inline patterns with the patterns file.
func readOnlyPatterns(cfg *config.Config) ([]string, error) {
	patterns := append([]string(nil), cfg.ReadOnlyPatterns...)
	if cfg.ReadOnlyPatternsFile != "" {
		fromFile, err := guard.LoadPatterns(cfg.ReadOnlyPatternsFile)
		if err != nil {
			return nil, fmt.Errorf("loading read-only patterns: %w", err)
		}
		patterns = append(patterns, fromFile...)
	}
	return patterns, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := storage.DefaultDriver
	if cfg.Storage != nil {
		driver = cfg.Storage.StorageDriver()
	}

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	dsn = goutils.Env("MLBENCH_DB_DSN", dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or MLBENCH_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// initSandbox creates the appropriate sandbox based on config type.
func initSandbox(cfg *config.Config, workDir string, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.Type {
	case "docker":
		dc := cfg.Sandbox.Docker
		if dc == nil {
			dc = &config.DockerConfig{}
		}
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          dc.Image,
			WorkRoot:       workDir,
			User:           dc.User,
			DefaultTimeout: cfg.SandboxTimeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       dc.CPUCores,
			PIDsLimit:      dc.PIDsLimit,
			NetworkAllowed: dc.NetworkAllowed,
			GPUs:           dc.GPUs,
			MaxFileBytes:   cfg.Sandbox.MaxFileBytes,
		}, logger), nil
	case "process", "":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: cfg.SandboxTimeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			},
			PassEnv:      cfg.Sandbox.PassEnv,
			MaxFileBytes: cfg.Sandbox.MaxFileBytes,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Sandbox.Type)
	}
}

// metricsRegistry returns the Prometheus registry, or nil when metrics are off.
func metricsRegistry(obs *observability.Observability) *prometheus.Registry {
	if m := obs.MetricsOrNil(); m != nil {
		return m.Registry
	}
	return nil
}
