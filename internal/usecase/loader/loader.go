// Package loader resolves catalog entries into agent factories on demand,
// caches them, and unloads the ones nobody has used for a while.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/usecase/catalog"
)

// Config holds loader tuning.
type Config struct {
	MaxLoadedFactories int           // 0 = unbounded
	UnloadAfter        time.Duration // idle time before a factory is unloaded (default: 15m)
	CleanupInterval    time.Duration // how often EvictIdle runs (default: 60s)
}

// Stats is a point-in-time snapshot of loader counters.
type Stats struct {
	TotalRegistered int      `json:"total_registered"`
	Loaded          []string `json:"loaded"`
	LoadedCount     int      `json:"loaded_count"`
	CacheHits       int64    `json:"cache_hits"`
	CacheMisses     int64    `json:"cache_misses"`
	AvgLoadTimeMs   float64  `json:"avg_load_time_ms"`
	Evictions       int64    `json:"evictions"`
	LoadErrors      int64    `json:"load_errors"`
}

// loadedFactory is the cached result of one successful provider call.
type loadedFactory struct {
	factory    domain.AgentFactory
	preload    bool
	stale      bool // catalog entry replaced while instances were live
	lastUsed   time.Time
	usageCount int64
	loadTime   time.Duration
}

// Loader caches agent factories built by kind-specific providers.
type Loader struct {
	cfg     Config
	catalog *catalog.Catalog
	logger  *slog.Logger
	bus     domain.EventBus
	now     func() time.Time

	mu        sync.Mutex
	providers map[string]domain.AgentProvider
	loaded    map[string]*loadedFactory
	refs      map[string]int // live pool instances per agent name

	hits, misses, evictions, loadErrors int64
	loads                               int64
	totalLoadTime                       time.Duration

	group    singleflight.Group
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Loader backed by cat. Providers must be registered with
// RegisterProvider before the first Resolve.
func New(cfg Config, cat *catalog.Catalog, logger *slog.Logger) *Loader {
	if cfg.UnloadAfter <= 0 {
		cfg.UnloadAfter = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.MaxLoadedFactories < 0 {
		cfg.MaxLoadedFactories = 0
	}
	return &Loader{
		cfg:       cfg,
		catalog:   cat,
		logger:    logger,
		now:       time.Now,
		providers: make(map[string]domain.AgentProvider),
		loaded:    make(map[string]*loadedFactory),
		refs:      make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// SetEventBus enables factory.loaded / factory.evicted events.
func (l *Loader) SetEventBus(bus domain.EventBus) { l.bus = bus }

// RegisterProvider binds a provider to an agent kind. Re-registering a kind
// replaces the provider for future loads.
func (l *Loader) RegisterProvider(kind string, provider domain.AgentProvider) {
	l.mu.Lock()
	l.providers[kind] = provider
	l.mu.Unlock()
}

// HasProvider reports whether a provider is registered for kind.
func (l *Loader) HasProvider(kind string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.providers[kind]
	return ok
}

// Register adds or replaces a catalog entry. A cached factory for the same
// name is dropped so the next Resolve sees the new metadata; if instances
// are still live it is only marked stale and rebuilt on the next Resolve.
func (l *Loader) Register(entry domain.AgentCatalogEntry) error {
	if err := l.catalog.Register(entry); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lf, ok := l.loaded[entry.Name]; ok {
		if l.refs[entry.Name] == 0 {
			delete(l.loaded, entry.Name)
		} else {
			lf.stale = true
		}
	}
	return nil
}

// Resolve returns the factory for name, loading it on first use.
// Concurrent misses for the same name share one provider call.
func (l *Loader) Resolve(ctx context.Context, name string) (domain.AgentFactory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if lf, ok := l.loaded[name]; ok && !lf.stale {
		lf.lastUsed = l.now()
		lf.usageCount++
		l.hits++
		f := lf.factory
		l.mu.Unlock()
		return f, nil
	}
	l.misses++
	l.mu.Unlock()

	v, err, _ := l.group.Do(name, func() (any, error) {
		return l.load(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.AgentFactory), nil
}

func (l *Loader) load(ctx context.Context, name string) (domain.AgentFactory, error) {
	// Another flight may have finished between the miss and this call.
	l.mu.Lock()
	if lf, ok := l.loaded[name]; ok && !lf.stale {
		lf.lastUsed = l.now()
		lf.usageCount++
		f := lf.factory
		l.mu.Unlock()
		return f, nil
	}
	l.mu.Unlock()

	entry, err := l.catalog.Get(name)
	if err != nil {
		l.recordLoadError()
		return nil, domain.NewDomainError("Loader.Resolve", domain.ErrAgentNotRegistered, name)
	}

	kind := entry.ProviderKind()
	l.mu.Lock()
	provider, ok := l.providers[kind]
	l.mu.Unlock()
	if !ok {
		l.recordLoadError()
		return nil, domain.NewDomainError("Loader.Resolve", domain.ErrAgentLoad,
			fmt.Sprintf("%s: no provider for kind %q", name, kind))
	}

	start := time.Now()
	factory, err := provider(entry)
	elapsed := time.Since(start)
	if err == nil && factory == nil {
		err = fmt.Errorf("provider returned nil factory")
	}
	if err != nil {
		l.recordLoadError()
		l.logger.Warn("agent factory load failed", "agent", name, "kind", kind, "error", err)
		return nil, domain.NewDomainError("Loader.Resolve", fmt.Errorf("%w: %w", domain.ErrAgentLoad, err), name)
	}

	l.mu.Lock()
	if _, replacing := l.loaded[name]; !replacing {
		l.makeRoomLocked(name)
	}
	l.loaded[name] = &loadedFactory{
		factory:    factory,
		preload:    entry.Preload,
		lastUsed:   l.now(),
		usageCount: 1,
		loadTime:   elapsed,
	}
	l.loads++
	l.totalLoadTime += elapsed
	l.mu.Unlock()

	l.logger.Info("agent factory loaded", "agent", name, "kind", kind, "load_ms", float64(elapsed.Microseconds())/1000)
	l.emit(ctx, domain.EventFactoryLoaded, map[string]any{"agent": name, "kind": kind})
	return factory, nil
}

// makeRoomLocked enforces MaxLoadedFactories before adding incoming by
// evicting the least recently used non-preload factory with no live
// instances. When nothing qualifies the cap is exceeded. Caller holds l.mu.
func (l *Loader) makeRoomLocked(incoming string) {
	limit := l.cfg.MaxLoadedFactories
	if limit == 0 || len(l.loaded) < limit {
		return
	}

	victim := ""
	var oldest time.Time
	for name, lf := range l.loaded {
		if lf.preload || l.refs[name] > 0 {
			continue
		}
		if victim == "" || lf.lastUsed.Before(oldest) {
			victim, oldest = name, lf.lastUsed
		}
	}
	if victim == "" {
		l.logger.Warn("loaded factory cap exceeded, nothing evictable",
			"max", limit, "loaded", len(l.loaded), "incoming", incoming)
		return
	}
	delete(l.loaded, victim)
	l.evictions++
	l.logger.Info("agent factory evicted for capacity", "agent", victim, "incoming", incoming)
}

// AcquireRef records a live pool instance of name. Factories with live
// instances are never evicted.
func (l *Loader) AcquireRef(name string) {
	l.mu.Lock()
	l.refs[name]++
	l.mu.Unlock()
}

// ReleaseRef drops a live instance reference taken with AcquireRef.
func (l *Loader) ReleaseRef(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs[name] <= 1 {
		delete(l.refs, name)
		if lf, ok := l.loaded[name]; ok && lf.stale {
			delete(l.loaded, name)
		}
		return
	}
	l.refs[name]--
}

// Refs returns the live instance count recorded for name.
func (l *Loader) Refs(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs[name]
}

// Preload resolves every preload entry in descending priority. Failures are
// logged and skipped. It returns the number of factories loaded.
func (l *Loader) Preload(ctx context.Context) int {
	n := 0
	for _, entry := range l.catalog.Preloadable() {
		if ctx.Err() != nil {
			break
		}
		if _, err := l.Resolve(ctx, entry.Name); err != nil {
			l.logger.Warn("preload failed", "agent", entry.Name, "priority", entry.Priority, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		l.logger.Info("agent factories preloaded", "count", n)
	}
	return n
}

// EvictIdle unloads non-preload factories idle for longer than UnloadAfter
// that have no live instances. It returns the number evicted.
func (l *Loader) EvictIdle(now time.Time) int {
	l.mu.Lock()
	var evicted []string
	for name, lf := range l.loaded {
		if lf.preload || l.refs[name] > 0 {
			continue
		}
		if now.Sub(lf.lastUsed) > l.cfg.UnloadAfter {
			delete(l.loaded, name)
			evicted = append(evicted, name)
		}
	}
	l.evictions += int64(len(evicted))
	l.mu.Unlock()

	for _, name := range evicted {
		l.logger.Debug("agent factory unloaded", "agent", name)
		l.emit(context.Background(), domain.EventFactoryEvicted, map[string]any{"agent": name})
	}
	return len(evicted)
}

// Start preloads priority entries and launches the idle sweep loop.
func (l *Loader) Start(ctx context.Context) {
	l.Preload(ctx)

	l.wg.Add(1)
	go l.cleanupLoop()
}

// Stop ends the sweep loop. It is safe to call more than once.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Loader) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.EvictIdle(l.now()); n > 0 {
				l.logger.Info("idle agent factories unloaded", "count", n)
			}
		}
	}
}

// IsLoaded reports whether a factory for name is cached.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

// Stats returns a snapshot of loader counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	sort.Strings(names)

	var avg float64
	if l.loads > 0 {
		avg = float64(l.totalLoadTime.Microseconds()) / 1000 / float64(l.loads)
	}
	return Stats{
		TotalRegistered: l.catalog.Len(),
		Loaded:          names,
		LoadedCount:     len(names),
		CacheHits:       l.hits,
		CacheMisses:     l.misses,
		AvgLoadTimeMs:   avg,
		Evictions:       l.evictions,
		LoadErrors:      l.loadErrors,
	}
}

func (l *Loader) recordLoadError() {
	l.mu.Lock()
	l.loadErrors++
	l.mu.Unlock()
}

func (l *Loader) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, domain.NewEvent(eventType, "", payload))
}
