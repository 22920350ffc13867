package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cidadao-ai/internal/adapter/agent"
	"cidadao-ai/internal/adapter/store/sqlite"
	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/config"
	"cidadao-ai/internal/infra/logger"
	"cidadao-ai/internal/infra/metrics"
	"cidadao-ai/internal/usecase/catalog"
	"cidadao-ai/internal/usecase/eventbus"
	"cidadao-ai/internal/usecase/loader"
	"cidadao-ai/internal/usecase/orchestrator"
	"cidadao-ai/internal/usecase/pool"
	"cidadao-ai/internal/usecase/scheduling"
	"cidadao-ai/internal/usecase/workflow"
)

// App holds the wired orchestration core.
type App struct {
	Config       *config.Config
	Bus          *eventbus.Bus
	Catalog      *catalog.Catalog
	Loader       *loader.Loader
	Pool         *pool.Pool
	Store        domain.RunStore
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduling.Scheduler
	Collector    *metrics.Collector

	log      *slog.Logger
	closers  []func(context.Context) error
	metrics  *metrics.Server
	stopObsv func()
}

// buildApp wires every component from cfg. Nothing is started yet.
func buildApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	// 1. Event bus
	a.Bus = eventbus.New(logger.Component(log, "eventbus"))
	a.Bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("event", "type", ev.Type, "execution_id", ev.ExecutionID)
	})
	a.closers = append(a.closers, func(context.Context) error { a.Bus.Close(); return nil })

	// 2. Catalog & loader
	a.Catalog = catalog.New(logger.Component(log, "catalog"))
	a.Loader = loader.New(loader.Config{
		MaxLoadedFactories: cfg.Loader.MaxLoaded,
		UnloadAfter:        cfg.Loader.UnloadAfter,
		CleanupInterval:    cfg.Loader.CleanupInterval,
	}, a.Catalog, logger.Component(log, "loader"))
	a.Loader.SetEventBus(a.Bus)
	for kind, provider := range agent.Providers() {
		a.Loader.RegisterProvider(kind, provider)
	}
	for _, ac := range cfg.Agents {
		if err := a.Loader.Register(catalogEntry(ac)); err != nil {
			return nil, fmt.Errorf("register agent %q: %w", ac.Name, err)
		}
	}

	// 3. Pool
	a.Pool = pool.New(poolConfig(cfg.Pool), a.Loader, a.Bus, logger.Component(log, "pool"))

	// 4. Run store
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.Store = store
	if closeStore != nil {
		a.closers = append(a.closers, func(context.Context) error { return closeStore() })
	}

	// 5. Orchestrator
	deps := orchestrator.Deps{
		Pool:    a.Pool,
		Catalog: a.Catalog,
		Loader:  a.Loader,
		Store:   store,
		Bus:     a.Bus,
		Logger:  logger.Component(log, "orchestrator"),
	}
	a.Orchestrator = orchestrator.New(orchestratorConfig(cfg.Orchestrator), deps)

	defs, err := workflow.LoadDefinitions(cfg.Workflows.Dir, logger.Component(log, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("workflows: %w", err)
	}
	for _, def := range defs {
		if err := a.Orchestrator.RegisterWorkflow(def); err != nil {
			log.Warn("workflow rejected", "workflow_id", def.ID, "error", err)
		}
	}

	// 6. Scheduler
	if cfg.Scheduler.Enabled {
		a.Scheduler = scheduling.NewScheduler(a.Orchestrator, a.Bus, logger.Component(log, "scheduler"))
		for _, tc := range cfg.Scheduler.Tasks {
			if err := a.Scheduler.AddTask(schedulerTask(tc)); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", tc.Name, err)
			}
		}
	}

	// 7. Metrics
	a.Collector = metrics.NewCollector(metrics.Sources{
		Pool:         a.Pool.Stats,
		Loader:       a.Loader.Stats,
		Orchestrator: a.Orchestrator.Stats,
	})
	a.stopObsv = a.Collector.Observe(a.Bus)

	return a, nil
}

// Start launches the background loops and the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	a.Loader.Start(ctx)
	if err := a.Pool.Start(ctx); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if a.Config.Metrics.Enabled {
		srv, err := metrics.Listen(a.Config.Metrics, metrics.NewRegistry(a.Collector), logger.Component(a.log, "metrics"))
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		a.metrics = srv
	}
	return nil
}

// Close stops components in reverse dependency order. Running executions
// observe cancellation through the pool.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Stop())
	}
	a.Pool.Stop(ctx)
	a.Loader.Stop()
	if a.stopObsv != nil {
		a.stopObsv()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func catalogEntry(ac config.AgentConfig) domain.AgentCatalogEntry {
	e := domain.AgentCatalogEntry{
		Name:         ac.Name,
		Kind:         ac.Kind,
		Description:  ac.Description,
		Capabilities: ac.Capabilities,
		Priority:     ac.Priority,
		Preload:      ac.Preload,
		Options:      ac.Options,
	}
	if ac.InputSchema != "" {
		e.InputSchema = json.RawMessage(ac.InputSchema)
	}
	return e
}

func poolConfig(pc config.PoolConfig) pool.Config {
	out := pool.Config{
		MinSize:             pc.MinSize,
		MaxSize:             pc.MaxSize,
		IdleTimeout:         pc.IdleTimeout,
		MaxLifetime:         pc.MaxLifetime,
		AcquireTimeout:      pc.AcquireTimeout,
		MaintenanceInterval: pc.MaintenanceInterval,
		Prewarm:             pc.Prewarm,
	}
	if len(pc.Types) > 0 {
		out.Types = make(map[string]pool.TypeConfig, len(pc.Types))
		for name, tc := range pc.Types {
			out.Types[name] = pool.TypeConfig{
				MinSize:     tc.MinSize,
				MaxSize:     tc.MaxSize,
				IdleTimeout: tc.IdleTimeout,
				MaxLifetime: tc.MaxLifetime,
			}
		}
	}
	return out
}

func orchestratorConfig(oc config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		DefaultTimeout:     oc.DefaultTimeout,
		DefaultStepTimeout: oc.DefaultStepTimeout,
		MaxConcurrent:      oc.MaxConcurrent,
		RateLimit:          oc.RateLimit,
		Burst:              oc.Burst,
		Breaker: orchestrator.BreakerConfig{
			Enabled:     oc.Breaker.Enabled,
			MaxFailures: oc.Breaker.MaxFailures,
			Timeout:     oc.Breaker.Timeout,
			Interval:    oc.Breaker.Interval,
		},
	}
}

func schedulerTask(tc config.TaskConfig) scheduling.Task {
	return scheduling.Task{
		Name:     tc.Name,
		Schedule: tc.Schedule,
		Workflow: tc.Workflow,
		Data:     tc.Data,
		Timeout:  tc.Timeout,
		OneShot:  tc.OneShot,
	}
}

// openStore returns a nil store for the "none" backend.
func openStore(sc config.StoreConfig) (domain.RunStore, func() error, error) {
	switch sc.Backend {
	case config.StoreFile:
		s, err := workflow.NewFileStore(sc.Dir, sc.MaxRuns)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(sc.Path, sc.MaxRuns)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreNone, "":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const shutdownTimeout = 10 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
