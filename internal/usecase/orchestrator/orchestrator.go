// Package orchestrator executes multi-agent workflows over the agent pool.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/usecase/catalog"
	"cidadao-ai/internal/usecase/pool"
)

// AgentPool leases agent instances and reports per-type occupancy.
type AgentPool interface {
	Acquire(ctx context.Context, agentType string) (*pool.Lease, error)
	TypeStats(agentType string) pool.TypeStats
}

// LoadStatus reports whether an agent factory is currently loaded.
type LoadStatus interface {
	IsLoaded(name string) bool
}

// BreakerConfig enables a circuit breaker per agent type.
type BreakerConfig struct {
	Enabled     bool
	MaxFailures uint32        // consecutive failures before opening (default: 5)
	Timeout     time.Duration // open state duration before a half-open trial (default: 30s)
	Interval    time.Duration // closed state counter reset period (default: 60s)
}

// Config holds orchestrator settings.
type Config struct {
	DefaultTimeout     time.Duration // workflow deadline when the definition sets none (default: 10m)
	DefaultStepTimeout time.Duration // step deadline when the step sets none (default: 5m)
	MaxConcurrent      int           // running executions; 0 = unbounded
	RateLimit          float64       // admitted executions per second; 0 = unlimited
	Burst              int           // limiter burst (default: 1)
	Breaker            BreakerConfig
}

// Deps are the collaborators of the orchestrator. Store and Bus are optional.
type Deps struct {
	Pool    AgentPool
	Catalog *catalog.Catalog
	Loader  LoadStatus
	Store   domain.RunStore
	Bus     domain.EventBus
	Logger  *slog.Logger
}

// Stats counts executions by outcome.
type Stats struct {
	Running   int64 `json:"running"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Rejected  int64 `json:"rejected"`
}

// Orchestrator registers workflow definitions and executes them.
type Orchestrator struct {
	cfg     Config
	pool    AgentPool
	catalog *catalog.Catalog
	loader  LoadStatus
	store   domain.RunStore
	bus     domain.EventBus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	workflows map[string]domain.WorkflowDefinition

	breakers sync.Map // agent type -> *gobreaker.CircuitBreaker[map[string]any]
	schemas  sync.Map // agent name -> *compiledSchema
	active   sync.Map // execution ID -> *execution

	running                                        atomic.Int64
	started, completed, failed, timedOut, rejected atomic.Int64
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = 60 * time.Second
	}

	o := &Orchestrator{
		cfg:       cfg,
		pool:      deps.Pool,
		catalog:   deps.Catalog,
		loader:    deps.Loader,
		store:     deps.Store,
		bus:       deps.Bus,
		logger:    deps.Logger,
		workflows: make(map[string]domain.WorkflowDefinition),
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return o
}

// RegisterWorkflow validates def and stores a copy. Registering an existing
// ID replaces the previous definition.
func (o *Orchestrator) RegisterWorkflow(def domain.WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	o.warnUnknownAgents(def)

	o.mu.Lock()
	_, replaced := o.workflows[def.ID]
	o.workflows[def.ID] = def.Clone()
	o.mu.Unlock()

	o.logger.Info("workflow registered", "workflow_id", def.ID, "pattern", def.Pattern,
		"steps", len(def.Steps), "replaced", replaced)
	o.emit(context.Background(), domain.EventWorkflowRegistered, "", map[string]any{
		"workflow_id": def.ID,
		"pattern":     def.Pattern,
	})
	return nil
}

// GetWorkflow returns a copy of the registered definition.
func (o *Orchestrator) GetWorkflow(id string) (domain.WorkflowDefinition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.workflows[id]
	if !ok {
		return domain.WorkflowDefinition{}, domain.NewSubSystemError("workflow", "Orchestrator.GetWorkflow", domain.ErrNotFound, id)
	}
	return def.Clone(), nil
}

// ListWorkflows returns every registered definition sorted by ID.
func (o *Orchestrator) ListWorkflows() []domain.WorkflowDefinition {
	o.mu.RLock()
	out := make([]domain.WorkflowDefinition, 0, len(o.workflows))
	for _, def := range o.workflows {
		out = append(out, def.Clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveWorkflow unregisters a definition. Running executions are unaffected.
func (o *Orchestrator) RemoveWorkflow(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.workflows[id]; !ok {
		return domain.NewSubSystemError("workflow", "Orchestrator.RemoveWorkflow", domain.ErrNotFound, id)
	}
	delete(o.workflows, id)
	o.logger.Info("workflow removed", "workflow_id", id)
	return nil
}

// Stats returns execution counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Running:   o.running.Load(),
		Started:   o.started.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		TimedOut:  o.timedOut.Load(),
		Rejected:  o.rejected.Load(),
	}
}

func (o *Orchestrator) warnUnknownAgents(def domain.WorkflowDefinition) {
	if o.catalog == nil {
		return
	}
	for _, s := range def.Steps {
		if !o.catalog.Has(s.AgentName) {
			o.logger.Warn("workflow step references unregistered agent",
				"workflow_id", def.ID, "step_id", s.ID, "agent", s.AgentName)
		}
	}
}

// breaker returns the circuit breaker for agentType, or nil when disabled.
func (o *Orchestrator) breaker(agentType string) *gobreaker.CircuitBreaker[map[string]any] {
	if !o.cfg.Breaker.Enabled {
		return nil
	}
	if cb, ok := o.breakers.Load(agentType); ok {
		return cb.(*gobreaker.CircuitBreaker[map[string]any])
	}
	maxFailures := o.cfg.Breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker[map[string]any](gobreaker.Settings{
		Name:        "agent:" + agentType,
		MaxRequests: 1,
		Interval:    o.cfg.Breaker.Interval,
		Timeout:     o.cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	actual, _ := o.breakers.LoadOrStore(agentType, cb)
	return actual.(*gobreaker.CircuitBreaker[map[string]any])
}

func (o *Orchestrator) emit(ctx context.Context, eventType domain.EventType, executionID string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.NewEvent(eventType, executionID, payload))
}

func (o *Orchestrator) admit(ctx context.Context) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			o.rejected.Add(1)
			return domain.NewSubSystemError("workflow", "Orchestrator.Execute", domain.ErrLimitReached,
				fmt.Sprintf("rate limit: %v", err))
		}
	}
	n := o.running.Add(1)
	if limit := int64(o.cfg.MaxConcurrent); limit > 0 && n > limit {
		o.running.Add(-1)
		o.rejected.Add(1)
		return domain.NewSubSystemError("workflow", "Orchestrator.Execute", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d executions running", n-1, limit))
	}
	return nil
}
