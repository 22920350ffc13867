package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cidadao-ai/internal/domain"
)

func validDef(id string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID:      id,
		Pattern: domain.PatternSequential,
		Steps:   []domain.WorkflowStep{{ID: "s1", AgentName: "a"}},
	}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.WorkflowDefinition)
		errMsg string
	}{
		{"valid", func(*domain.WorkflowDefinition) {}, ""},
		{"missing id", func(d *domain.WorkflowDefinition) { d.ID = "" }, "id is required"},
		{"unknown pattern", func(d *domain.WorkflowDefinition) { d.Pattern = "round_robin" }, "unknown pattern"},
		{"no steps", func(d *domain.WorkflowDefinition) { d.Steps = nil }, "at least one step"},
		{"duplicate step", func(d *domain.WorkflowDefinition) {
			d.Steps = append(d.Steps, domain.WorkflowStep{ID: "s1", AgentName: "b"})
		}, "duplicate step id"},
		{"missing agent", func(d *domain.WorkflowDefinition) { d.Steps[0].AgentName = "" }, "agent is required"},
		{"bad policy", func(d *domain.WorkflowDefinition) { d.FailurePolicy = "ignore" }, "unknown failure policy"},
		{"bad backoff", func(d *domain.WorkflowDefinition) { d.Steps[0].Retry.Backoff = "linear" }, "unknown backoff"},
		{"role outside map_reduce", func(d *domain.WorkflowDefinition) { d.Steps[0].Role = domain.RoleReduce }, "only valid"},
		{"map_reduce single step", func(d *domain.WorkflowDefinition) { d.Pattern = domain.PatternMapReduce }, "at least one map step"},
		{"map_reduce two reducers", func(d *domain.WorkflowDefinition) {
			d.Pattern = domain.PatternMapReduce
			d.Steps = []domain.WorkflowStep{
				{ID: "m", AgentName: "a"},
				{ID: "r1", AgentName: "a", Role: domain.RoleReduce},
				{ID: "r2", AgentName: "a", Role: domain.RoleReduce},
			}
		}, "more than one reduce"},
		{"map_reduce last tagged map", func(d *domain.WorkflowDefinition) {
			d.Pattern = domain.PatternMapReduce
			d.Steps = []domain.WorkflowStep{
				{ID: "m1", AgentName: "a"},
				{ID: "m2", AgentName: "a", Role: domain.RoleMap},
			}
		}, "no reduce step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef("wf")
			tt.mutate(&def)
			err := ValidateDefinition(def)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrOrchestration)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSplitRolesDefaultsToLastStep(t *testing.T) {
	maps, reduce, err := splitRoles([]domain.WorkflowStep{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)
	assert.Equal(t, "c", reduce.ID)
	assert.Len(t, maps, 2)

	maps, reduce, err = splitRoles([]domain.WorkflowStep{{ID: "r", Role: domain.RoleReduce}, {ID: "m"}})
	require.NoError(t, err)
	assert.Equal(t, "r", reduce.ID)
	assert.Equal(t, "m", maps[0].ID)
}

func TestFailurePolicyDefaults(t *testing.T) {
	assert.Equal(t, domain.FailureAbort, failurePolicy(domain.WorkflowDefinition{Pattern: domain.PatternSequential}))
	assert.Equal(t, domain.FailureAbort, failurePolicy(domain.WorkflowDefinition{Pattern: domain.PatternConditional}))
	assert.Equal(t, domain.FailureContinue, failurePolicy(domain.WorkflowDefinition{Pattern: domain.PatternFanOutFanIn}))
	assert.Equal(t, domain.FailureContinue, failurePolicy(domain.WorkflowDefinition{Pattern: domain.PatternMapReduce}))
	assert.Equal(t, domain.FailureAbort, failurePolicy(domain.WorkflowDefinition{Pattern: domain.PatternMapReduce, FailurePolicy: domain.FailureAbort}))
}

func TestRegistryOperations(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handlerFunc{"a": constant(nil)})

	def := validDef("wf-b")
	h.register(t, def)
	h.register(t, validDef("wf-a"))

	// Registered definitions are copies.
	def.Steps[0].AgentName = "changed"
	got, err := h.orch.GetWorkflow("wf-b")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Steps[0].AgentName)

	list := h.orch.ListWorkflows()
	require.Len(t, list, 2)
	assert.Equal(t, "wf-a", list[0].ID)

	require.NoError(t, h.orch.RemoveWorkflow("wf-a"))
	assert.ErrorIs(t, h.orch.RemoveWorkflow("wf-a"), domain.ErrNotFound)
	_, err = h.orch.GetWorkflow("wf-a")
	assert.Equal(t, domain.CodeWorkflowNotFound, domain.ErrorCodeOf(err))

	assert.Error(t, h.orch.RegisterWorkflow(domain.WorkflowDefinition{ID: "bad"}))
	assert.Contains(t, h.bus.types(), domain.EventWorkflowRegistered)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	res, err := h.orch.ExecuteWorkflow(context.Background(), "missing", nil, domain.ExecutionContext{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeWorkflowNotFound, domain.ErrorCodeOf(err))
}

func TestExecuteDefinitionValidates(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.orch.ExecuteDefinition(context.Background(), domain.WorkflowDefinition{ID: "x", Pattern: "nope"}, nil, domain.ExecutionContext{})
	assert.ErrorIs(t, err, domain.ErrOrchestration)
}

func TestExecutePersistsAndPublishes(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handlerFunc{"a": constant(map[string]any{"v": 1})})
	h.register(t, validDef("wf"))

	res, err := h.orch.ExecuteWorkflow(context.Background(), "wf", nil, domain.ExecutionContext{})
	require.NoError(t, err)

	stored, err := h.store.GetRun(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, stored.Status)

	types := h.bus.types()
	assert.Contains(t, types, domain.EventWorkflowStarted)
	assert.Contains(t, types, domain.EventStepCompleted)
	assert.Contains(t, types, domain.EventWorkflowCompleted)

	stats := h.orch.Stats()
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Running)
}

func TestMaxConcurrentRejects(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := newHarness(t, Config{MaxConcurrent: 1}, map[string]handlerFunc{
		"a": func(context.Context, string, map[string]any, domain.ExecutionContext) (map[string]any, error) {
			close(entered)
			<-release
			return map[string]any{}, nil
		},
	})
	h.register(t, validDef("wf"))

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ExecuteWorkflow(context.Background(), "wf", nil, domain.ExecutionContext{})
		done <- err
	}()
	<-entered

	_, err := h.orch.ExecuteWorkflow(context.Background(), "wf", nil, domain.ExecutionContext{})
	assert.ErrorIs(t, err, domain.ErrLimitReached)
	assert.True(t, domain.IsRetryableError(err))
	assert.Equal(t, domain.CodeWorkflowMaxRunning, domain.ErrorCodeOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), h.orch.Stats().Rejected)
}

func TestRateLimitRejectsWhenDeadlineTooShort(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.01, Burst: 1}, map[string]handlerFunc{"a": constant(nil)})
	h.register(t, validDef("wf"))

	_, err := h.orch.ExecuteWorkflow(context.Background(), "wf", nil, domain.ExecutionContext{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.orch.ExecuteWorkflow(ctx, "wf", nil, domain.ExecutionContext{})
	assert.ErrorIs(t, err, domain.ErrLimitReached)
}

func TestDiscovery(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	for _, e := range []domain.AgentCatalogEntry{
		{Name: "zumbi", Kind: "handler", Priority: 10, Capabilities: []string{"anomaly_detection", "pattern_analysis"}},
		{Name: "anita", Kind: "handler", Priority: 5, Capabilities: []string{"pattern_analysis", "trend_detection"}},
		{Name: "tiradentes", Kind: "handler", Priority: 1, Capabilities: []string{"reporting"}},
	} {
		require.NoError(t, h.loader.Register(e))
	}

	all := h.orch.DiscoverAgents()
	require.Len(t, all, 3)
	assert.Equal(t, "zumbi", all[0].Name)
	assert.False(t, all[0].Loaded)

	ranked := h.orch.FindByCapability("pattern_analysis")
	require.Len(t, ranked, 2)
	assert.Equal(t, "zumbi", ranked[0].Name, "equal fit falls back to priority")
	assert.Equal(t, 1, ranked[0].Score)

	best, err := h.orch.BestAgent("anomaly_detection")
	require.NoError(t, err)
	assert.Equal(t, "zumbi", best.Name)

	_, err = h.orch.BestAgent("translation")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}
