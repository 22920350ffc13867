// Package config loads the YAML configuration of the orchestration service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Loader       LoaderConfig       `yaml:"loader"`
	Pool         PoolConfig         `yaml:"pool"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workflows    WorkflowsConfig    `yaml:"workflows"`
	Store        StoreConfig        `yaml:"store"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Agents       []AgentConfig      `yaml:"agents"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // noop, stdout
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	// ScrapeLimit caps scrapes per minute per remote host; 0 disables it.
	ScrapeLimit int `yaml:"scrape_limit"`
}

// LoaderConfig holds lazy loader settings.
type LoaderConfig struct {
	MaxLoaded       int           `yaml:"max_loaded"` // 0 = unbounded
	UnloadAfter     time.Duration `yaml:"unload_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// PoolTypeConfig overrides pool bounds for one agent type.
type PoolTypeConfig struct {
	MinSize     int           `yaml:"min_size"`
	MaxSize     int           `yaml:"max_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// PoolConfig holds agent pool settings.
type PoolConfig struct {
	MinSize             int                       `yaml:"min_size"`
	MaxSize             int                       `yaml:"max_size"`
	IdleTimeout         time.Duration             `yaml:"idle_timeout"`
	MaxLifetime         time.Duration             `yaml:"max_lifetime"`
	AcquireTimeout      time.Duration             `yaml:"acquire_timeout"`
	MaintenanceInterval time.Duration             `yaml:"maintenance_interval"`
	Types               map[string]PoolTypeConfig `yaml:"types,omitempty"`
	Prewarm             []string                  `yaml:"prewarm,omitempty"`
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// OrchestratorConfig holds workflow execution settings.
type OrchestratorConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	MaxConcurrent      int           `yaml:"max_concurrent"` // 0 = unbounded
	RateLimit          float64       `yaml:"rate_limit"`     // executions per second, 0 = unlimited
	Burst              int           `yaml:"burst"`
	Breaker            BreakerConfig `yaml:"breaker"`
}

// WorkflowsConfig points at the workflow definition directory.
type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// Run store backends.
const (
	StoreNone   = "none"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// StoreConfig selects where finished runs are persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"`  // none, file, sqlite
	Dir     string `yaml:"dir"`      // file backend directory
	Path    string `yaml:"path"`     // sqlite database file
	MaxRuns int    `yaml:"max_runs"` // retention for both backends
}

// SchedulerConfig holds scheduled workflow runs.
type SchedulerConfig struct {
	Enabled bool         `yaml:"enabled"`
	Tasks   []TaskConfig `yaml:"tasks"`
}

// TaskConfig schedules one workflow.
type TaskConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"` // cron expression or duration
	Workflow string         `yaml:"workflow"`
	Data     map[string]any `yaml:"data,omitempty"`
	Timeout  time.Duration  `yaml:"timeout,omitempty"`
	OneShot  bool           `yaml:"one_shot,omitempty"`
}

// AgentConfig is one agent catalog entry.
type AgentConfig struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Description  string            `yaml:"description,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Priority     int               `yaml:"priority,omitempty"`
	Preload      bool              `yaml:"preload,omitempty"`
	Options      map[string]string `yaml:"options,omitempty"`
	InputSchema  string            `yaml:"input_schema,omitempty"` // JSON Schema document
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".cidadao-ai")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
		Loader: LoaderConfig{
			UnloadAfter:     15 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Pool: PoolConfig{
			MinSize:             1,
			MaxSize:             5,
			IdleTimeout:         5 * time.Minute,
			MaxLifetime:         time.Hour,
			AcquireTimeout:      30 * time.Second,
			MaintenanceInterval: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeout:     10 * time.Minute,
			DefaultStepTimeout: 5 * time.Minute,
			Burst:              1,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    time.Minute,
			},
		},
		Workflows: WorkflowsConfig{
			Dir: "./workflows",
		},
		Store: StoreConfig{
			Backend: StoreNone,
			Dir:     filepath.Join(dataDir, "runs"),
			Path:    filepath.Join(dataDir, "runs.db"),
			MaxRuns: 100,
		},
	}
}

// Load reads the YAML file at path over Defaults, merges its includes,
// applies CIDADAO_* overrides, and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := mergeIncludes(cfg, cfg.Includes, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CIDADAO_* env vars to config fields. Malformed
// numeric values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIDADAO_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CIDADAO_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CIDADAO_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CIDADAO_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("CIDADAO_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CIDADAO_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("CIDADAO_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CIDADAO_LOADER_MAX_LOADED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Loader.MaxLoaded = n
		}
	}
	if v := os.Getenv("CIDADAO_LOADER_UNLOAD_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Loader.UnloadAfter = d
		}
	}
	if v := os.Getenv("CIDADAO_POOL_MIN_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Pool.MinSize = n
		}
	}
	if v := os.Getenv("CIDADAO_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxSize = n
		}
	}
	if v := os.Getenv("CIDADAO_POOL_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Pool.IdleTimeout = d
		}
	}
	if v := os.Getenv("CIDADAO_POOL_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Pool.AcquireTimeout = d
		}
	}
	if v := os.Getenv("CIDADAO_ORCHESTRATOR_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.MaxConcurrent = n
		}
	}
	if v := os.Getenv("CIDADAO_ORCHESTRATOR_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Orchestrator.RateLimit = f
		}
	}
	if v := os.Getenv("CIDADAO_ORCHESTRATOR_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.DefaultTimeout = d
		}
	}
	if v := os.Getenv("CIDADAO_BREAKER_ENABLED"); v != "" {
		cfg.Orchestrator.Breaker.Enabled = v == "true"
	}
	if v := os.Getenv("CIDADAO_WORKFLOWS_DIR"); v != "" {
		cfg.Workflows.Dir = v
	}
	if v := os.Getenv("CIDADAO_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CIDADAO_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("CIDADAO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CIDADAO_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return checkMode(path, info)
}

func checkMode(path string, info os.FileInfo) error {
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
