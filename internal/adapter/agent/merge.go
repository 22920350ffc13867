package agent

import (
	"context"
	"sort"

	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
)

// NewMergeProvider flattens map values of the input into one map. Input keys
// are visited in sorted order so later keys win deterministically; list
// values (such as map_results) are merged element by element.
// Options["sum"] names a numeric field summed across every merged map into
// "sum".
func NewMergeProvider(entry domain.AgentCatalogEntry) (domain.AgentFactory, error) {
	sumField := entry.Options["sum"]

	return stateless(func(_ context.Context, _ string, input map[string]any, _ domain.ExecutionContext) (map[string]any, error) {
		merged := make(map[string]any)
		var sum float64
		sources := 0

		absorb := func(m map[string]any) {
			sources++
			for k, v := range m {
				merged[k] = v
			}
			if sumField != "" {
				if f, ok := datapath.Number(m[sumField]); ok {
					sum += f
				}
			}
		}

		keys := make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := input[k].(type) {
			case map[string]any:
				absorb(v)
			case []any:
				for _, item := range v {
					if m, ok := item.(map[string]any); ok {
						absorb(m)
					}
				}
			}
		}

		out := map[string]any{"merged": merged, "sources": sources}
		if sumField != "" {
			out["sum"] = sum
		}
		return out, nil
	}), nil
}
