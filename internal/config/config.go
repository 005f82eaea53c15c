// Package config handles loading and validating mlbench configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults mirror the benchmark harness arguments.
const (
	DefaultTask     = "cifar10"
	DefaultLogDir   = "./logs"
	DefaultWorkDir  = "./workspace"
	DefaultMaxSteps = 50
	DefaultMaxTime  = 5 * 60 * 60 // seconds
	DefaultPython   = "python"

	DefaultCheckpointSchedule = "@every 1m"
	DefaultInspectAddr        = "127.0.0.1:8088"
)

// Config is the root configuration for a run.
type Config struct {
	Task                 string `json:"task" yaml:"task" toml:"task" validate:"required"`
	// Task description shown to the agent.
	ResearchProblem      string `json:"research_problem,omitempty" yaml:"research_problem,omitempty" toml:"research_problem"`
	// Read when ResearchProblem is empty.
	ResearchProblemFile  string `json:"research_problem_file,omitempty" yaml:"research_problem_file,omitempty" toml:"research_problem_file"`
	WorkDir              string `json:"work_dir" yaml:"work_dir" toml:"work_dir" validate:"required"`
	LogDir               string `json:"log_dir" yaml:"log_dir" toml:"log_dir" validate:"required"`
	MaxSteps             int    `json:"max_steps" yaml:"max_steps" toml:"max_steps" validate:"gte=1"`
	MaxTimeSeconds       int    `json:"max_time" yaml:"max_time" toml:"max_time" validate:"gte=1"`
	Device               int    `json:"device" yaml:"device" toml:"device" validate:"gte=0"`
	Python               string `json:"python" yaml:"python" toml:"python" validate:"required"`
	ReadOnlyPatternsFile string `json:"read_only_patterns_file,omitempty" yaml:"read_only_patterns_file,omitempty" toml:"read_only_patterns_file"`

	ReadOnlyPatterns []string             `json:"read_only_patterns,omitempty" yaml:"read_only_patterns,omitempty" toml:"read_only_patterns"`
	Actions          ActionsConfig        `json:"actions" yaml:"actions" toml:"actions"`
	Agent            AgentConfig          `json:"agent" yaml:"agent" toml:"agent"`
	Sandbox          SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Logging          LoggingConfig        `json:"logging" yaml:"logging" toml:"logging"`
	// nil = no trace store
	Storage          *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage"`
	// nil = observability disabled
	Observability    *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability"`
	// nil = trace dumped only at exit
	Checkpoint       *CheckpointConfig    `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty" toml:"checkpoint"`
	// nil = no inspect server
	Inspect          *InspectConfig       `json:"inspect,omitempty" yaml:"inspect,omitempty" toml:"inspect"`
}

// ActionsConfig selects which registry actions are described to the agent.
type ActionsConfig struct {
	RemoveFromPrompt []string `json:"remove_from_prompt,omitempty" yaml:"remove_from_prompt,omitempty" toml:"remove_from_prompt"`
	AddToPrompt      []string `json:"add_to_prompt,omitempty" yaml:"add_to_prompt,omitempty" toml:"add_to_prompt"`
}

// AgentConfig selects the policy driving the run.
type AgentConfig struct {
	// Default: "baseline".
	Type       string `json:"type" yaml:"type" toml:"type" validate:"omitempty,oneof=baseline replay"`
	// JSONL actions for "replay".
	ReplayFile string `json:"replay_file,omitempty" yaml:"replay_file,omitempty" toml:"replay_file"`
	// Baseline script. Default: train.py.
	Script     string `json:"script,omitempty" yaml:"script,omitempty" toml:"script"`
}

// SandboxConfig configures script execution.
type SandboxConfig struct {
	// Default: "process".
	Type                string        `json:"type" yaml:"type" toml:"type" validate:"omitempty,oneof=process docker"`
	// 0 = bounded by max_time only.
	MaxExecutionSeconds int           `json:"max_execution_seconds" yaml:"max_execution_seconds" toml:"max_execution_seconds" validate:"gte=0"`
	MaxCPUSeconds       int           `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds" validate:"gte=0"`
	MaxMemoryMB         int           `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb" validate:"gte=0"`
	MaxFileBytes        int64         `json:"max_file_bytes" yaml:"max_file_bytes" toml:"max_file_bytes" validate:"gte=0"`
	PassEnv             []string      `json:"pass_env,omitempty" yaml:"pass_env,omitempty" toml:"pass_env"`
	Docker              *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty" toml:"docker"`
}

// DockerConfig configures the container sandbox.
type DockerConfig struct {
	Image          string  `json:"image" yaml:"image" toml:"image"`
	User           string  `json:"user,omitempty" yaml:"user,omitempty" toml:"user"`
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores" validate:"gte=0"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit" validate:"gte=0"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
	GPUs           string  `json:"gpus,omitempty" yaml:"gpus,omitempty" toml:"gpus"`
}

// LoggingConfig configures the operator log.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"omitempty,oneof=json text"`
}

// StorageConfig configures the trace store.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver" validate:"omitempty,oneof=sqlite postgres"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path"` // Default: <log_dir>/env_log/trace.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`
}

// PostgresStorageConfig holds PostgreSQL settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`
	// Default: 10
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	// Default: 2
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	// Default: 1800
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"`
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol" validate:"omitempty,oneof=grpc http"`
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "mlbench"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate" validate:"gte=0,lte=1"`
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// AnomalyConfig configures the agent error-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold" validate:"gte=0,lte=1"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds" validate:"gte=0"` // Default: 300
}

// CheckpointConfig configures periodic trace dumps.
type CheckpointConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule"` // Cron spec. Default: "@every 1m".
}

// InspectConfig configures the read-only HTTP inspect server.
type InspectConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	// Default: 127.0.0.1:8088
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// Per-client limit on /v1. 0 = unlimited.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute" validate:"gte=0"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file at path (YAML, TOML or JSON by extension),
// applies environment overrides and defaults, then validates.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		case ".toml":
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv() error {
	c.Task = goutils.Env("MLBENCH_TASK", c.Task)
	c.WorkDir = goutils.Env("MLBENCH_WORK_DIR", c.WorkDir)
	c.LogDir = goutils.Env("MLBENCH_LOG_DIR", c.LogDir)
	c.Python = goutils.Env("MLBENCH_PYTHON", c.Python)
	c.Logging.Level = goutils.Env("MLBENCH_LOG_LEVEL", c.Logging.Level)

	ints := []struct {
		key string
		dst *int
	}{
		{"MLBENCH_DEVICE", &c.Device},
		{"MLBENCH_MAX_STEPS", &c.MaxSteps},
		{"MLBENCH_MAX_TIME", &c.MaxTimeSeconds},
	}
	for _, e := range ints {
		raw := goutils.Env(e.key, "")
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", e.key, raw)
		}
		*e.dst = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Task == "" {
		c.Task = DefaultTask
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxTimeSeconds == 0 {
		c.MaxTimeSeconds = DefaultMaxTime
	}
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.Agent.Type == "" {
		c.Agent.Type = "baseline"
	}
	if c.Agent.Script == "" {
		c.Agent.Script = "train.py"
	}
	if c.Sandbox.Type == "" {
		c.Sandbox.Type = "process"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Checkpoint != nil && c.Checkpoint.Schedule == "" {
		c.Checkpoint.Schedule = DefaultCheckpointSchedule
	}
	if c.Inspect != nil && c.Inspect.Addr == "" {
		c.Inspect.Addr = DefaultInspectAddr
	}
}

// validate runs struct-tag validation, then the cross-field checks tags cannot express.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Agent.Type == "replay" && c.Agent.ReplayFile == "" {
		return fmt.Errorf("agent.replay_file is required for agent.type=replay")
	}
	if c.Storage != nil && c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for driver postgres")
		}
	}
	if c.Checkpoint != nil && c.Checkpoint.Enabled {
		if _, err := ParseSchedule(c.Checkpoint.Schedule); err != nil {
			return fmt.Errorf("checkpoint.schedule %q: %w", c.Checkpoint.Schedule, err)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled &&
		c.Observability.Tracing.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseSchedule parses a five-field cron spec or a descriptor such as "@every 30s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(spec)
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// MaxTime returns the wall-clock budget of the run.
func (c *Config) MaxTime() time.Duration {
	return time.Duration(c.MaxTimeSeconds) * time.Second
}

// SandboxTimeout returns the per-execution timeout. Zero = run deadline only.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxExecutionSeconds) * time.Second
}

// ResolvedWorkDir returns the absolute work root with symlinks resolved.
// The directory must exist.
func (c *Config) ResolvedWorkDir() (string, error) {
	abs, err := resolvePath(c.WorkDir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// ResolvedLogDir returns the absolute log directory.
func (c *Config) ResolvedLogDir() (string, error) {
	return resolvePath(c.LogDir)
}

// LoadResearchProblem returns the task description, reading the file when
// it is not set inline. Falls back to the task name.
func (c *Config) LoadResearchProblem() (string, error) {
	if c.ResearchProblem != "" {
		return c.ResearchProblem, nil
	}
	if c.ResearchProblemFile != "" {
		p, err := resolvePath(c.ResearchProblemFile)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("reading research problem %s: %w", p, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.Task, nil
}

// MetricsEnabled reports whether Prometheus metrics are on.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}
