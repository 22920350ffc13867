package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"cidadao-ai/internal/adapter/agent"
	"cidadao-ai/internal/infra/config"
	"cidadao-ai/internal/usecase/workflow"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent kinds", Fn: checkAgentKinds},
		{Name: "Workflows", Fn: checkWorkflows},
		{Name: "Run store", Fn: checkRunStore},
		{Name: "Metrics address", Fn: checkMetricsAddr},
	}

	fmt.Println("cidadao doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (no group/world write)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, running on defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAgentKinds verifies every configured agent has a builtin provider.
func checkAgentKinds(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured",
			Fix:     "Add entries under agents: in config.yaml",
		}
	}
	providers := agent.Providers()
	var unknown []string
	for _, a := range cfg.Agents {
		kind := catalogEntry(a).ProviderKind()
		if _, ok := providers[kind]; !ok {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", a.Name, kind))
		}
	}
	if len(unknown) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "unknown agent kinds: " + strings.Join(unknown, ", "),
			Fix:     "Use one of: echo, merge, template, filter",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agent(s) configured", len(cfg.Agents))}
}

// checkWorkflows verifies the workflow directory parses.
func checkWorkflows(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	dir := cfg.Workflows.Dir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("workflow directory %s does not exist", dir),
			Fix:     "Create it and add YAML or JSON workflow definitions",
		}
	}
	defs, err := workflow.LoadDefinitions(dir, discardLogger())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if len(defs) == 0 {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("no workflow definitions in %s", dir)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d workflow(s) in %s", len(defs), dir)}
}

// checkRunStore verifies the run store location is writable.
func checkRunStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	var dir string
	switch cfg.Store.Backend {
	case config.StoreFile:
		dir = cfg.Store.Dir
	case config.StoreSQLite:
		dir = filepath.Dir(cfg.Store.Path)
	default:
		return CheckResult{Status: StatusPass, Message: "run persistence disabled"}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Fix permissions or set store.dir / store.path",
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store at %s", cfg.Store.Backend, dir)}
}

// checkMetricsAddr verifies the metrics address can be bound.
func checkMetricsAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Metrics.Enabled {
		return CheckResult{Status: StatusPass, Message: "metrics disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Metrics.Addr, err),
			Fix:     "Choose a free metrics.addr or stop the process holding it",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.Metrics.Addr)}
}
