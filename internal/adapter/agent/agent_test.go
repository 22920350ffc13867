package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cidadao-ai/internal/domain"
)

func run(t *testing.T, kind string, entry domain.AgentCatalogEntry, input map[string]any) (map[string]any, error) {
	t.Helper()
	provider, ok := Providers()[kind]
	require.True(t, ok, "provider %q", kind)
	factory, err := provider(entry)
	require.NoError(t, err)
	a, err := factory(context.Background())
	require.NoError(t, err)
	return a.Process(context.Background(), "run", input, domain.ExecutionContext{InvestigationID: "inv-1"})
}

func TestProvidersKinds(t *testing.T) {
	p := Providers()
	for _, k := range []string{KindEcho, KindMerge, KindTemplate, KindFilter} {
		assert.Contains(t, p, k)
	}
}

func TestEcho(t *testing.T) {
	in := map[string]any{"a": 1}
	out, err := run(t, KindEcho, domain.AgentCatalogEntry{Name: "e"}, in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	out["a"] = 2
	assert.Equal(t, 1, in["a"], "input must not be aliased")
}

func TestEchoKeyAndContext(t *testing.T) {
	entry := domain.AgentCatalogEntry{Name: "e", Options: map[string]string{"key": "wrapped", "with_context": "true"}}
	out, err := run(t, KindEcho, entry, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out["wrapped"])
	assert.Equal(t, "e", out["_agent"])
	assert.Equal(t, "run", out["_action"])
	assert.Equal(t, "inv-1", out["_investigation_id"])
}

func TestEchoCancelledContext(t *testing.T) {
	factory, err := NewEchoProvider(domain.AgentCatalogEntry{Name: "e"})
	require.NoError(t, err)
	a, err := factory(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Process(ctx, "", nil, domain.ExecutionContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge(t *testing.T) {
	entry := domain.AgentCatalogEntry{Name: "m", Options: map[string]string{"sum": "total"}}
	in := map[string]any{
		"b": map[string]any{"x": "from-b", "total": 2},
		"a": map[string]any{"x": "from-a", "total": 1.5},
		"map_results": []any{
			map[string]any{"y": 1, "total": 3},
			"ignored",
		},
		"scalar": 42,
	}
	out, err := run(t, KindMerge, entry, in)
	require.NoError(t, err)

	merged := out["merged"].(map[string]any)
	assert.Equal(t, "from-b", merged["x"], "later sorted key wins")
	assert.Equal(t, 1, merged["y"])
	assert.Equal(t, 3, out["sources"])
	assert.InDelta(t, 6.5, out["sum"], 1e-9)
}

func TestTemplate(t *testing.T) {
	entry := domain.AgentCatalogEntry{Name: "t", Options: map[string]string{
		"template":   "{{upper .name}} has {{.count}} contracts",
		"output_key": "summary",
	}}
	out, err := run(t, KindTemplate, entry, map[string]any{"name": "acme", "count": 3})
	require.NoError(t, err)
	assert.Equal(t, "ACME has 3 contracts", out["summary"])
}

func TestTemplateProviderErrors(t *testing.T) {
	_, err := NewTemplateProvider(domain.AgentCatalogEntry{Name: "t"})
	assert.ErrorContains(t, err, "template option is required")

	_, err = NewTemplateProvider(domain.AgentCatalogEntry{Name: "t", Options: map[string]string{"template": "{{.x"}})
	assert.ErrorContains(t, err, "parse template")
}

func TestFilter(t *testing.T) {
	items := []any{
		map[string]any{"supplier": "acme", "value": 100},
		map[string]any{"supplier": "acme", "value": 5000},
		map[string]any{"supplier": "other", "value": 7000},
		"not-a-map",
	}
	entry := domain.AgentCatalogEntry{Name: "f", Options: map[string]string{
		"field": "data.contracts", "key": "value", "min": "1000",
	}}
	out, err := run(t, KindFilter, entry, map[string]any{"data": map[string]any{"contracts": items}})
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])
	assert.Equal(t, 4, out["total"])
	assert.Equal(t, items[1:3], out["items"])

	entry.Options = map[string]string{"field": "data.contracts", "key": "supplier", "equals": "acme", "max": "1000"}
	out, err = run(t, KindFilter, entry, map[string]any{"data": map[string]any{"contracts": items}})
	require.NoError(t, err)
	assert.Equal(t, 0, out["count"], "non-numeric values fail a range test")
}

func TestFilterEquals(t *testing.T) {
	entry := domain.AgentCatalogEntry{Name: "f", Options: map[string]string{"key": "supplier", "equals": "acme"}}
	out, err := run(t, KindFilter, entry, map[string]any{"items": []any{
		map[string]any{"supplier": "acme"},
		map[string]any{"supplier": "other"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"supplier": "acme"}}, out["items"])
}

func TestFilterErrors(t *testing.T) {
	_, err := NewFilterProvider(domain.AgentCatalogEntry{Name: "f", Options: map[string]string{"key": "v", "min": "abc"}})
	assert.ErrorContains(t, err, "not a number")

	_, err = NewFilterProvider(domain.AgentCatalogEntry{Name: "f", Options: map[string]string{"min": "1"}})
	assert.ErrorContains(t, err, "need a key")

	_, err = run(t, KindFilter, domain.AgentCatalogEntry{Name: "f"}, map[string]any{})
	assert.Equal(t, domain.CodeAgentInputInvalid, domain.ErrorCodeOf(err))

	_, err = run(t, KindFilter, domain.AgentCatalogEntry{Name: "f"}, map[string]any{"items": "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFilterNumericKinds(t *testing.T) {
	items := []any{
		map[string]any{"value": int32(1500)},
		map[string]any{"value": uint16(10)},
		map[string]any{"value": " 2500.5 "},
		map[string]any{"meta": map[string]int{"value": 3000}},
	}
	entry := domain.AgentCatalogEntry{Name: "f", Options: map[string]string{"key": "value", "min": "1000"}}
	out, err := run(t, KindFilter, entry, map[string]any{"items": items})
	require.NoError(t, err)
	assert.Equal(t, []any{items[0], items[2]}, out["items"])

	entry.Options = map[string]string{"key": "meta.value", "min": "1000"}
	out, err = run(t, KindFilter, entry, map[string]any{"items": items})
	require.NoError(t, err)
	assert.Equal(t, []any{items[3]}, out["items"])
}
