package agent

import (
	"context"
	"fmt"

	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
)

// NewFilterProvider keeps the elements of the list at Options["field"]
// (dotted path, default "items") whose Options["key"] value passes every
// configured test: "equals" (string compare), "min" and "max" (numeric,
// inclusive). Output is {"items": kept, "count": len(kept), "total": n}.
func NewFilterProvider(entry domain.AgentCatalogEntry) (domain.AgentFactory, error) {
	field := entry.Options["field"]
	if field == "" {
		field = "items"
	}
	key := entry.Options["key"]
	equals, hasEquals := entry.Options["equals"]
	minV, hasMin, err := optFloat(entry, "min")
	if err != nil {
		return nil, err
	}
	maxV, hasMax, err := optFloat(entry, "max")
	if err != nil {
		return nil, err
	}
	if key == "" && (hasEquals || hasMin || hasMax) {
		return nil, fmt.Errorf("agent %q: filter tests need a key option", entry.Name)
	}

	keep := func(item any) bool {
		if key == "" {
			return true
		}
		m, ok := item.(map[string]any)
		if !ok {
			return false
		}
		v, ok := datapath.Lookup(m, key)
		if !ok {
			return false
		}
		if hasEquals && fmt.Sprint(v) != equals {
			return false
		}
		if hasMin || hasMax {
			f, ok := datapath.Number(v)
			if !ok || (hasMin && f < minV) || (hasMax && f > maxV) {
				return false
			}
		}
		return true
	}

	return stateless(func(_ context.Context, _ string, input map[string]any, _ domain.ExecutionContext) (map[string]any, error) {
		raw, ok := datapath.Lookup(input, field)
		if !ok {
			return nil, domain.NewSubSystemError("agent", "Filter.Process", domain.ErrInvalidInput,
				fmt.Sprintf("field %q not found", field))
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, domain.NewSubSystemError("agent", "Filter.Process", domain.ErrInvalidInput,
				fmt.Sprintf("field %q is %T, not a list", field, raw))
		}
		kept := make([]any, 0, len(list))
		for _, item := range list {
			if keep(item) {
				kept = append(kept, item)
			}
		}
		return map[string]any{"items": kept, "count": len(kept), "total": len(list)}, nil
	}), nil
}
