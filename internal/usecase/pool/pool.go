// Package pool keeps a bounded population of live agent instances per agent
// type and hands them out under scoped leases.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cidadao-ai/internal/domain"
)

// FactoryResolver supplies agent factories and tracks live instances per
// type so factories in use are never unloaded.
type FactoryResolver interface {
	Resolve(ctx context.Context, name string) (domain.AgentFactory, error)
	AcquireRef(name string)
	ReleaseRef(name string)
}

// TypeConfig overrides pool sizing for one agent type. Zero fields inherit
// the pool-wide value.
type TypeConfig struct {
	MinSize     int           `yaml:"min_size"`
	MaxSize     int           `yaml:"max_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// Config holds pool-wide settings.
type Config struct {
	MinSize             int                   // instances kept per type (default: 1 when MaxSize is unset too)
	MaxSize             int                   // hard cap per type (default: 5)
	IdleTimeout         time.Duration         // idle time before eviction (default: 5m)
	MaxLifetime         time.Duration         // age after which idle instances are recycled (default: 1h)
	AcquireTimeout      time.Duration         // max wait for a free instance (default: 30s)
	MaintenanceInterval time.Duration         // eviction and top-up period (default: 30s)
	Types               map[string]TypeConfig // per-type overrides
	Prewarm             []string              // types brought to MinSize on Start
}

func (c *Config) applyDefaults() {
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize == 0 && c.MaxSize == 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
}

// forType resolves the effective settings for agentType.
func (c *Config) forType(agentType string) TypeConfig {
	tc := TypeConfig{
		MinSize:     c.MinSize,
		MaxSize:     c.MaxSize,
		IdleTimeout: c.IdleTimeout,
		MaxLifetime: c.MaxLifetime,
	}
	if o, ok := c.Types[agentType]; ok {
		if o.MinSize > 0 {
			tc.MinSize = o.MinSize
		}
		if o.MaxSize > 0 {
			tc.MaxSize = o.MaxSize
		}
		if o.IdleTimeout > 0 {
			tc.IdleTimeout = o.IdleTimeout
		}
		if o.MaxLifetime > 0 {
			tc.MaxLifetime = o.MaxLifetime
		}
	}
	if tc.MinSize > tc.MaxSize {
		tc.MinSize = tc.MaxSize
	}
	return tc
}

// entry is one live agent instance.
type entry struct {
	agent      domain.Agent
	inUse      bool
	removed    bool
	createdAt  time.Time
	lastUsed   time.Time
	usageCount int64
}

// typePool holds the instances of one agent type.
type typePool struct {
	name    string
	cfg     TypeConfig
	mu      sync.Mutex
	entries []*entry
	pending int           // constructions in flight, counted against MaxSize
	notify  chan struct{} // closed and replaced whenever capacity frees up
	built   bool          // at least one instance was constructed
	retired bool          // dropped from Pool.types; callers must look the type up again
}

func (tp *typePool) broadcastLocked() {
	close(tp.notify)
	tp.notify = make(chan struct{})
}

func (tp *typePool) idleLocked() *entry {
	for _, e := range tp.entries {
		if !e.inUse {
			return e
		}
	}
	return nil
}

// Pool manages agent instances for every agent type.
type Pool struct {
	cfg      Config
	resolver FactoryResolver
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	types map[string]*typePool

	created, reused, evicted, errs, waits, timeouts atomic.Int64

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pool. bus may be nil.
func New(cfg Config, resolver FactoryResolver, bus domain.EventBus, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		resolver: resolver,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		types:    make(map[string]*typePool),
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) typePool(agentType string) *typePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp, ok := p.types[agentType]
	if !ok {
		tp = &typePool{
			name:   agentType,
			cfg:    p.cfg.forType(agentType),
			notify: make(chan struct{}),
		}
		p.types[agentType] = tp
	}
	return tp
}

// retireIfUnused drops tp from the pool when no instance of it was ever
// built and nothing is in flight, so failed acquires for unknown types
// leave no trace.
func (p *Pool) retireIfUnused(tp *typePool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.retired || tp.built || tp.pending > 0 || len(tp.entries) > 0 {
		return
	}
	tp.retired = true
	tp.broadcastLocked()
	if p.types[tp.name] == tp {
		delete(p.types, tp.name)
	}
}

func (p *Pool) snapshotTypes() []*typePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*typePool, 0, len(p.types))
	for _, tp := range p.types {
		out = append(out, tp)
	}
	return out
}

// Start prewarms the configured types and launches the maintenance loop.
// Calls after the first are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return domain.NewDomainError("Pool.Start", domain.ErrPoolStopped, "")
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.Prewarm(ctx, p.cfg.Prewarm...); err != nil {
		p.logger.Warn("pool prewarm incomplete", "error", err)
	}

	p.wg.Add(1)
	go p.maintenanceLoop()
	return nil
}

// Stop halts maintenance, fails in-flight and future Acquire calls with
// ErrPoolStopped, and cleans up every instance whether leased or not.
// It is safe to call more than once.
func (p *Pool) Stop(ctx context.Context) {
	first := false
	p.stopOnce.Do(func() {
		first = true
		p.stopped.Store(true)
		close(p.stopCh)
	})
	if !first {
		return
	}
	p.wg.Wait()

	for _, tp := range p.snapshotTypes() {
		tp.mu.Lock()
		doomed := tp.entries
		tp.entries = nil
		for _, e := range doomed {
			e.removed = true
		}
		tp.broadcastLocked()
		tp.mu.Unlock()

		for _, e := range doomed {
			p.destroy(ctx, tp.name, e, "shutdown")
		}
	}

	p.mu.Lock()
	p.types = make(map[string]*typePool)
	p.mu.Unlock()
	p.logger.Info("agent pool stopped")
}

// Acquire leases an instance of agentType. It reuses an idle instance,
// grows the pool up to MaxSize, or waits for a release bounded by
// AcquireTimeout, ctx, and Stop.
func (p *Pool) Acquire(ctx context.Context, agentType string) (*Lease, error) {
	if p.stopped.Load() {
		return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolStopped, agentType)
	}
	tp := p.typePool(agentType)

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	waited := false

	for {
		tp.mu.Lock()
		if p.stopped.Load() {
			tp.mu.Unlock()
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolStopped, agentType)
		}
		if tp.retired {
			tp.mu.Unlock()
			tp = p.typePool(agentType)
			continue
		}

		if e := tp.idleLocked(); e != nil {
			e.inUse = true
			e.usageCount++
			e.lastUsed = p.now()
			tp.mu.Unlock()
			p.reused.Add(1)
			return newLease(p, tp, e), nil
		}

		if len(tp.entries)+tp.pending < tp.cfg.MaxSize {
			tp.pending++
			tp.mu.Unlock()
			return p.grow(ctx, tp)
		}

		ch := tp.notify
		tp.mu.Unlock()

		if !waited {
			waited = true
			p.waits.Add(1)
		}
		select {
		case <-ch:
		case <-timer.C:
			p.timeouts.Add(1)
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolExhausted,
				fmt.Sprintf("type %q: no instance freed within %s", agentType, p.cfg.AcquireTimeout))
		case <-ctx.Done():
			return nil, domain.NewDomainError("Pool.Acquire", ctx.Err(), agentType)
		case <-p.stopCh:
			return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolStopped, agentType)
		}
	}
}

// grow constructs a new leased instance into a slot already reserved via
// tp.pending.
func (p *Pool) grow(ctx context.Context, tp *typePool) (*Lease, error) {
	e, err := p.construct(ctx, tp.name)

	tp.mu.Lock()
	tp.pending--
	if err != nil {
		tp.broadcastLocked()
		tp.mu.Unlock()
		p.errs.Add(1)
		p.retireIfUnused(tp)
		return nil, err
	}
	if p.stopped.Load() {
		tp.mu.Unlock()
		p.destroy(context.WithoutCancel(ctx), tp.name, e, "shutdown")
		return nil, domain.NewDomainError("Pool.Acquire", domain.ErrPoolStopped, tp.name)
	}
	e.inUse = true
	e.usageCount = 1
	tp.built = true
	tp.entries = append(tp.entries, e)
	total := len(tp.entries)
	tp.mu.Unlock()

	p.created.Add(1)
	p.logger.Debug("agent instance created", "agent_type", tp.name, "total", total)
	p.emit(ctx, domain.EventAgentCreated, map[string]any{"agent_type": tp.name, "total": total})
	return newLease(p, tp, e), nil
}

// construct builds and initializes one instance outside any pool lock.
func (p *Pool) construct(ctx context.Context, agentType string) (*entry, error) {
	factory, err := p.resolver.Resolve(ctx, agentType)
	if err != nil {
		return nil, err
	}
	agent, err := factory(ctx)
	if err == nil && agent == nil {
		err = errors.New("factory returned nil agent")
	}
	if err != nil {
		return nil, domain.NewDomainError("Pool.Acquire", fmt.Errorf("%w: %w", domain.ErrAgentLoad, err), agentType)
	}
	if init, ok := agent.(domain.Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			if c, ok := agent.(domain.Cleaner); ok {
				_ = c.Cleanup(ctx)
			}
			return nil, domain.NewDomainError("Pool.Acquire",
				fmt.Errorf("%w: initialize: %w", domain.ErrAgentLoad, err), agentType)
		}
	}
	p.resolver.AcquireRef(agentType)

	now := p.now()
	return &entry{agent: agent, createdAt: now, lastUsed: now}, nil
}

// destroy runs the cleanup hook and drops the loader reference.
func (p *Pool) destroy(ctx context.Context, agentType string, e *entry, reason string) {
	if c, ok := e.agent.(domain.Cleaner); ok {
		if err := c.Cleanup(ctx); err != nil {
			p.logger.Warn("agent cleanup failed", "agent_type", agentType, "reason", reason, "error", err)
		}
	}
	p.resolver.ReleaseRef(agentType)
}

func (p *Pool) release(tp *typePool, e *entry) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if e.removed {
		return
	}
	e.inUse = false
	e.lastUsed = p.now()
	tp.broadcastLocked()
}

// With leases an instance of agentType for the duration of fn. The lease is
// released on every exit path, including panics.
func (p *Pool) With(ctx context.Context, agentType string, fn func(domain.Agent) error) error {
	lease, err := p.Acquire(ctx, agentType)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Agent())
}

// Prewarm brings each listed type up to its MinSize. Construction failures
// for one type do not stop the others; all of them are returned joined.
func (p *Pool) Prewarm(ctx context.Context, types ...string) error {
	var errs []error
	for _, agentType := range types {
		tp := p.typePool(agentType)
		if err := p.topUp(ctx, tp); err != nil {
			errs = append(errs, fmt.Errorf("prewarm %q: %w", agentType, err))
		}
		p.retireIfUnused(tp)
	}
	return errors.Join(errs...)
}

func (p *Pool) topUp(ctx context.Context, tp *typePool) error {
	for {
		if p.stopped.Load() {
			return domain.ErrPoolStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tp.mu.Lock()
		if tp.retired {
			tp.mu.Unlock()
			tp = p.typePool(tp.name)
			continue
		}
		if len(tp.entries)+tp.pending >= tp.cfg.MinSize {
			tp.mu.Unlock()
			return nil
		}
		tp.pending++
		tp.mu.Unlock()

		e, err := p.construct(ctx, tp.name)

		tp.mu.Lock()
		tp.pending--
		if err != nil {
			tp.broadcastLocked()
			tp.mu.Unlock()
			p.errs.Add(1)
			return err
		}
		if p.stopped.Load() {
			tp.mu.Unlock()
			p.destroy(context.WithoutCancel(ctx), tp.name, e, "shutdown")
			return domain.ErrPoolStopped
		}
		tp.built = true
		tp.entries = append(tp.entries, e)
		tp.broadcastLocked()
		tp.mu.Unlock()

		p.created.Add(1)
		p.emit(ctx, domain.EventAgentCreated, map[string]any{"agent_type": tp.name, "prewarm": true})
	}
}

// EvictIdle removes instances that are past MaxLifetime, or idle longer than
// IdleTimeout while more than MinSize instances are available. Leased
// instances are never touched. It returns the number removed.
func (p *Pool) EvictIdle(now time.Time) int {
	total := 0
	for _, tp := range p.snapshotTypes() {
		doomed := p.collectEvictable(tp, now)
		for _, e := range doomed {
			p.destroy(context.Background(), tp.name, e, "evicted")
		}
		if len(doomed) > 0 {
			p.evicted.Add(int64(len(doomed)))
			p.logger.Debug("agent instances evicted", "agent_type", tp.name, "count", len(doomed))
			p.emit(context.Background(), domain.EventAgentEvicted,
				map[string]any{"agent_type": tp.name, "count": len(doomed)})
		}
		total += len(doomed)
	}
	return total
}

func (p *Pool) collectEvictable(tp *typePool, now time.Time) []*entry {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	available := 0
	var idle []*entry
	for _, e := range tp.entries {
		if e.inUse {
			continue
		}
		available++
		idle = append(idle, e)
	}

	doomed := make(map[*entry]bool)
	for _, e := range idle {
		if now.Sub(e.createdAt) > tp.cfg.MaxLifetime {
			doomed[e] = true
			available--
		}
	}

	// Longest idle first, stopping once MinSize instances remain available.
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	for _, e := range idle {
		if available <= tp.cfg.MinSize {
			break
		}
		if doomed[e] || now.Sub(e.lastUsed) <= tp.cfg.IdleTimeout {
			continue
		}
		doomed[e] = true
		available--
	}

	if len(doomed) == 0 {
		return nil
	}
	out := make([]*entry, 0, len(doomed))
	tp.entries = slices.DeleteFunc(tp.entries, func(e *entry) bool {
		if doomed[e] {
			e.removed = true
			out = append(out, e)
			return true
		}
		return false
	})
	tp.broadcastLocked()
	return out
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool maintenance panic", "panic", r)
		}
	}()

	if n := p.EvictIdle(p.now()); n > 0 {
		p.logger.Info("idle agent instances evicted", "count", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for _, tp := range p.snapshotTypes() {
		tp.mu.Lock()
		built := tp.built
		tp.mu.Unlock()
		if !built {
			continue
		}
		if err := p.topUp(ctx, tp); err != nil && !errors.Is(err, domain.ErrPoolStopped) {
			p.logger.Warn("pool top-up failed", "agent_type", tp.name, "error", err)
		}
	}
}

func (p *Pool) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, domain.NewEvent(eventType, "", payload))
}
