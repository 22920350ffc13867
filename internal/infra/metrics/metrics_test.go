package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/config"
	"cidadao-ai/internal/usecase/eventbus"
	"cidadao-ai/internal/usecase/loader"
	"cidadao-ai/internal/usecase/orchestrator"
	"cidadao-ai/internal/usecase/pool"
)

func testSources() Sources {
	return Sources{
		Pool: func() pool.Stats {
			return pool.Stats{
				Types:   map[string]pool.TypeStats{"zumbi": {Total: 3, InUse: 2, Available: 1}},
				Created: 3,
				Reused:  7,
			}
		},
		Loader: func() loader.Stats {
			return loader.Stats{LoadedCount: 2, CacheHits: 10, CacheMisses: 2}
		},
		Orchestrator: func() orchestrator.Stats {
			return orchestrator.Stats{Running: 1, Started: 5, Completed: 3, Failed: 1}
		},
	}
}

func TestCollectorSnapshots(t *testing.T) {
	c := NewCollector(testSources())

	expected := `
# HELP cidadao_pool_instances Agent instances per type and state.
# TYPE cidadao_pool_instances gauge
cidadao_pool_instances{agent_type="zumbi",state="available"} 1
cidadao_pool_instances{agent_type="zumbi",state="in_use"} 2
# HELP cidadao_loader_factories_loaded Agent factories currently loaded.
# TYPE cidadao_loader_factories_loaded gauge
cidadao_loader_factories_loaded 2
# HELP cidadao_workflow_running Workflow executions in flight.
# TYPE cidadao_workflow_running gauge
cidadao_workflow_running 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cidadao_pool_instances", "cidadao_loader_factories_loaded", "cidadao_workflow_running"))
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(testSources())

	expected := `
# HELP cidadao_loader_events_total Loader cache counters.
# TYPE cidadao_loader_events_total counter
cidadao_loader_events_total{event="eviction"} 0
cidadao_loader_events_total{event="hit"} 10
cidadao_loader_events_total{event="load_error"} 0
cidadao_loader_events_total{event="miss"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "cidadao_loader_events_total"))
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(Sources{})
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestObserveBusEvents(t *testing.T) {
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := NewCollector(Sources{})
	unsub := c.Observe(bus)
	defer unsub()

	ctx := context.Background()
	bus.Publish(ctx, domain.NewEvent(domain.EventStepCompleted, "x", map[string]any{"agent": "zumbi", "duration_ms": 1500}))
	bus.Publish(ctx, domain.NewEvent(domain.EventStepFailed, "x", map[string]any{"agent": "anita", "timeout": true}))
	bus.Publish(ctx, domain.NewEvent(domain.EventStepFailed, "x", map[string]any{"agent": "anita"}))
	bus.Publish(ctx, domain.NewEvent(domain.EventWorkflowCompleted, "x", map[string]any{
		"workflow_id": "audit", "status": domain.WorkflowCompleted, "duration_ms": 2000,
	}))
	bus.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepFailures.WithLabelValues("anita", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepFailures.WithLabelValues("anita", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.workflowDuration))
}

func TestRegistryAndServer(t *testing.T) {
	c := NewCollector(testSources())
	reg := NewRegistry(c)

	srv, err := Listen(config.MetricsConfig{Addr: "127.0.0.1:0", Path: "/metrics"}, reg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cidadao_pool_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServerScrapeLimit(t *testing.T) {
	reg := NewRegistry(NewCollector(Sources{}))
	srv, err := Listen(config.MetricsConfig{Addr: "127.0.0.1:0", Path: "/metrics", ScrapeLimit: 1}, reg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	get := func() *http.Response {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	first := get()
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "no-store", first.Header.Get("Cache-Control"))
	assert.Equal(t, http.StatusTooManyRequests, get().StatusCode)
}
