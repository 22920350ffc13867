package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/usecase/catalog"
	"cidadao-ai/internal/usecase/loader"
	"cidadao-ai/internal/usecase/pool"
)

type handlerFunc func(ctx context.Context, action string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error)

type handlerAgent struct{ fn handlerFunc }

func (a *handlerAgent) Process(ctx context.Context, action string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error) {
	return a.fn(ctx, action, input, ec)
}

// recordingBus captures events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// memoryStore is an in-memory RunStore.
type memoryStore struct {
	mu   sync.Mutex
	runs []domain.WorkflowResult
}

func (s *memoryStore) SaveRun(_ context.Context, run domain.WorkflowResult) error {
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetRun(_ context.Context, id string) (*domain.WorkflowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ExecutionID == id {
			r := s.runs[i]
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memoryStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WorkflowResult(nil), s.runs...), nil
}

type harness struct {
	catalog *catalog.Catalog
	loader  *loader.Loader
	pool    *pool.Pool
	orch    *Orchestrator
	bus     *recordingBus
	store   *memoryStore
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newHarness wires a real catalog, loader, and pool around handler agents.
func newHarness(t *testing.T, cfg Config, handlers map[string]handlerFunc) *harness {
	t.Helper()
	logger := discardLogger()
	cat := catalog.New(logger)
	ld := loader.New(loader.Config{}, cat, logger)
	ld.RegisterProvider("handler", func(e domain.AgentCatalogEntry) (domain.AgentFactory, error) {
		fn := handlers[e.Name]
		return func(context.Context) (domain.Agent, error) { return &handlerAgent{fn: fn}, nil }, nil
	})
	for name := range handlers {
		require.NoError(t, ld.Register(domain.AgentCatalogEntry{Name: name, Kind: "handler"}))
	}

	p := pool.New(pool.Config{MinSize: 1, MaxSize: 4, AcquireTimeout: 2 * time.Second}, ld, nil, logger)
	t.Cleanup(func() { p.Stop(context.Background()) })

	h := &harness{catalog: cat, loader: ld, pool: p, bus: &recordingBus{}, store: &memoryStore{}}
	h.orch = New(cfg, Deps{
		Pool:    p,
		Catalog: cat,
		Loader:  ld,
		Store:   h.store,
		Bus:     h.bus,
		Logger:  logger,
	})
	return h
}

func (h *harness) register(t *testing.T, def domain.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.orch.RegisterWorkflow(def))
}

func constant(out map[string]any) handlerFunc {
	return func(context.Context, string, map[string]any, domain.ExecutionContext) (map[string]any, error) {
		return out, nil
	}
}

func failing(err error) handlerFunc {
	return func(context.Context, string, map[string]any, domain.ExecutionContext) (map[string]any, error) {
		return nil, err
	}
}

// capture records every input the agent receives and echoes it back.
type capture struct {
	mu     sync.Mutex
	inputs []map[string]any
	ecs    []domain.ExecutionContext
}

func (c *capture) handler(ctx context.Context, _ string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error) {
	c.mu.Lock()
	c.inputs = append(c.inputs, input)
	c.ecs = append(c.ecs, ec)
	c.mu.Unlock()
	return map[string]any{"seen": len(input)}, nil
}

func (c *capture) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) == 0 {
		return nil
	}
	return c.inputs[len(c.inputs)-1]
}
