package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	validateLoader(cfg, ve)
	validatePool(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is not a valid host:port", cfg.Metrics.Addr)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with /")
	}
	if cfg.Metrics.ScrapeLimit < 0 {
		ve.Add("metrics.scrape_limit must be >= 0")
	}
}

func validateLoader(cfg *Config, ve *ValidationError) {
	if cfg.Loader.MaxLoaded < 0 {
		ve.Add("loader.max_loaded must be >= 0")
	}
	if cfg.Loader.UnloadAfter < 0 || cfg.Loader.CleanupInterval < 0 {
		ve.Add("loader durations must be >= 0")
	}
}

func validatePool(cfg *Config, ve *ValidationError) {
	p := cfg.Pool
	if p.MaxSize <= 0 {
		ve.Add("pool.max_size must be > 0")
	}
	if p.MinSize < 0 {
		ve.Add("pool.min_size must be >= 0")
	}
	if p.MaxSize > 0 && p.MinSize > p.MaxSize {
		ve.Add("pool.min_size (%d) exceeds pool.max_size (%d)", p.MinSize, p.MaxSize)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"idle_timeout", p.IdleTimeout},
		{"max_lifetime", p.MaxLifetime},
		{"acquire_timeout", p.AcquireTimeout},
		{"maintenance_interval", p.MaintenanceInterval},
	} {
		if d.v < 0 {
			ve.Add("pool.%s must be >= 0", d.name)
		}
	}
	for name, t := range p.Types {
		if t.MinSize < 0 || t.MaxSize < 0 {
			ve.Add("pool.types.%s sizes must be >= 0", name)
		}
		if t.MaxSize > 0 && t.MinSize > t.MaxSize {
			ve.Add("pool.types.%s.min_size (%d) exceeds max_size (%d)", name, t.MinSize, t.MaxSize)
		}
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.DefaultTimeout < 0 || o.DefaultStepTimeout < 0 {
		ve.Add("orchestrator timeouts must be >= 0")
	}
	if o.MaxConcurrent < 0 {
		ve.Add("orchestrator.max_concurrent must be >= 0")
	}
	if o.RateLimit < 0 {
		ve.Add("orchestrator.rate_limit must be >= 0")
	}
	if o.RateLimit > 0 && o.Burst <= 0 {
		ve.Add("orchestrator.burst must be > 0 when rate_limit is set")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Backend {
	case "", StoreNone:
	case StoreFile:
		if cfg.Store.Dir == "" {
			ve.Add("store.dir is required for the file backend")
		}
	case StoreSQLite:
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite backend")
		}
	default:
		ve.Add("store.backend %q is not one of none, file, sqlite", cfg.Store.Backend)
	}
	if cfg.Store.MaxRuns < 0 {
		ve.Add("store.max_runs must be >= 0")
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("scheduler.tasks[%d].name %q is duplicated", i, t.Name)
		}
		seen[t.Name] = true
		if t.Workflow == "" {
			ve.Add("scheduler.tasks[%d].workflow is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
			continue
		}
		if _, err := scheduleParser.Parse(t.Schedule); err != nil {
			if d, derr := time.ParseDuration(t.Schedule); derr != nil || d <= 0 {
				ve.Add("scheduler.tasks[%d].schedule %q is neither a cron expression nor a positive duration", i, t.Schedule)
			}
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name is required", i)
		}
		if a.InputSchema != "" && !json.Valid([]byte(a.InputSchema)) {
			ve.Add("agents[%d].input_schema is not valid JSON", i)
		}
	}
}
