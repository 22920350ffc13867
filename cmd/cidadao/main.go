package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/config"
	"cidadao-ai/internal/infra/logger"
	"cidadao-ai/internal/infra/tracer"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "exec":
		err = runExec(args)
	case "agents":
		err = runAgents(args)
	case "workflows":
		err = runWorkflows()
	case "runs":
		err = runRuns(args)
	case "validate":
		err = runValidate()
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'cidadao --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
			fmt.Fprintf(os.Stderr, "code: %s\n", code)
		}
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`cidadao - multi-agent workflow orchestrator

USAGE:
    cidadao [COMMAND] [FLAGS]

COMMANDS:
    serve                 Run the orchestrator, scheduler and metrics endpoint (default)
    exec WORKFLOW         Execute one workflow and print the result
                          Flags: --data JSON, --investigation ID
    agents [CAPABILITY]   List catalog agents, or rank them by capabilities
    workflows             List registered workflow definitions
    runs [ID]             List stored runs, or show one
                          Flags: --limit N
    validate              Load and validate config, agents and workflows
    doctor                Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CIDADAO_* variables override config

EXAMPLES:
    cidadao                                   # Serve with config.yaml
    cidadao exec audit --data '{"contracts":[]}'
    cidadao agents anomaly_detection
    cidadao runs --limit 5`)
}

// configPath resolves --config, then CIDADAO_CONFIG, then ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CIDADAO_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// flagValue returns the value of --name in args, in either "--name v" or
// "--name=v" form.
func flagValue(args []string, name string) (string, bool) {
	flag := "--" + name
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(arg, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// positional returns args that are neither flags nor flag values.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") {
				i++
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}

// bootstrap loads config and builds the app with logging and tracing set up.
// The returned cleanup must always be called.
func bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, func() {}, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, func() {}, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, func() {}, fmt.Errorf("tracer: %w", err)
	}

	app, err := buildApp(cfg, log)
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, func() {}, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Close(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
		logCloser()
	}
	return app, cleanup, nil
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := bootstrap(ctx)
	defer cleanup()
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	app.log.Info("cidadao started",
		"agents", app.Catalog.Len(),
		"workflows", len(app.Orchestrator.ListWorkflows()),
		"scheduler", app.Scheduler != nil,
		"metrics", app.Config.Metrics.Enabled)

	<-ctx.Done()
	app.log.Info("shutting down")
	return nil
}

func runExec(args []string) error {
	pos := positional(args)
	if len(pos) == 0 {
		return errors.New("usage: cidadao exec WORKFLOW [--data JSON] [--investigation ID]")
	}
	workflowID := pos[0]

	var data map[string]any
	if raw, ok := flagValue(args, "data"); ok {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("--data: %w", err)
		}
	}
	investigation, ok := flagValue(args, "investigation")
	if !ok {
		investigation = ulid.Make().String()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := bootstrap(ctx)
	defer cleanup()
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	result, err := app.Orchestrator.ExecuteWorkflow(ctx, workflowID, data, domain.ExecutionContext{
		InvestigationID: investigation,
		Metadata:        map[string]any{"source": "cli"},
	})
	if result != nil {
		if perr := printJSON(os.Stdout, result); perr != nil {
			return perr
		}
	}
	return err
}

func runAgents(args []string) error {
	app, cleanup, err := bootstrap(context.Background())
	defer cleanup()
	if err != nil {
		return err
	}
	if caps := positional(args); len(caps) > 0 {
		return printJSON(os.Stdout, app.Orchestrator.FindByCapability(caps...))
	}
	return printJSON(os.Stdout, app.Orchestrator.DiscoverAgents())
}

func runWorkflows() error {
	app, cleanup, err := bootstrap(context.Background())
	defer cleanup()
	if err != nil {
		return err
	}
	type summary struct {
		ID          string         `json:"id"`
		Name        string         `json:"name,omitempty"`
		Pattern     domain.Pattern `json:"pattern"`
		Steps       int            `json:"steps"`
		Description string         `json:"description,omitempty"`
	}
	defs := app.Orchestrator.ListWorkflows()
	out := make([]summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summary{ID: d.ID, Name: d.Name, Pattern: d.Pattern, Steps: len(d.Steps), Description: d.Description})
	}
	return printJSON(os.Stdout, out)
}

func runRuns(args []string) error {
	app, cleanup, err := bootstrap(context.Background())
	defer cleanup()
	if err != nil {
		return err
	}
	if app.Store == nil {
		return errors.New("no run store configured (store.backend is none)")
	}

	ctx := context.Background()
	if pos := positional(args); len(pos) > 0 {
		run, err := app.Store.GetRun(ctx, pos[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, run)
	}

	limit := 20
	if v, ok := flagValue(args, "limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("--limit: invalid value %q", v)
		}
		limit = n
	}
	runs, err := app.Store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, runs)
}

func runValidate() error {
	path := configPath()
	app, cleanup, err := bootstrap(context.Background())
	defer cleanup()
	if err != nil {
		return err
	}

	var problems []string
	for _, e := range app.Catalog.List() {
		if !app.Loader.HasProvider(e.ProviderKind()) {
			problems = append(problems, fmt.Sprintf("agent %q: no provider for kind %q", e.Name, e.ProviderKind()))
		}
	}
	for _, def := range app.Orchestrator.ListWorkflows() {
		for _, step := range def.Steps {
			if !app.Catalog.Has(step.AgentName) {
				problems = append(problems, fmt.Sprintf("workflow %q step %q: agent %q not in catalog", def.ID, step.ID, step.AgentName))
			}
		}
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Println("  -", p)
		}
		return fmt.Errorf("%d problem(s) found", len(problems))
	}
	fmt.Printf("%s: ok (%d agents, %d workflows)\n", path, app.Catalog.Len(), len(app.Orchestrator.ListWorkflows()))
	return nil
}
