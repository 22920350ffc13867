// Package agent provides builtin agent kinds. They move and reshape data
// between workflow steps and carry no investigation logic of their own.
package agent

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"cidadao-ai/internal/domain"
)

// Builtin kinds.
const (
	KindEcho     = "echo"
	KindMerge    = "merge"
	KindTemplate = "template"
	KindFilter   = "filter"
)

// Providers returns the builtin providers keyed by kind.
func Providers() map[string]domain.AgentProvider {
	return map[string]domain.AgentProvider{
		KindEcho:     NewEchoProvider,
		KindMerge:    NewMergeProvider,
		KindTemplate: NewTemplateProvider,
		KindFilter:   NewFilterProvider,
	}
}

// stateless adapts a process function into a factory whose instances share
// no state.
func stateless(fn processFunc) domain.AgentFactory {
	return func(context.Context) (domain.Agent, error) {
		return fn, nil
	}
}

type processFunc func(ctx context.Context, action string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error)

func (f processFunc) Process(ctx context.Context, action string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(ctx, action, input, ec)
}

// NewEchoProvider returns the input unchanged. Options["key"] nests the copy
// under that key; Options["with_context"]="true" adds the execution context.
func NewEchoProvider(entry domain.AgentCatalogEntry) (domain.AgentFactory, error) {
	key := entry.Options["key"]
	withContext := entry.Options["with_context"] == "true"
	name := entry.Name

	return stateless(func(_ context.Context, action string, input map[string]any, ec domain.ExecutionContext) (map[string]any, error) {
		out := maps.Clone(input)
		if out == nil {
			out = map[string]any{}
		}
		if key != "" {
			out = map[string]any{key: out}
		}
		if withContext {
			out["_agent"] = name
			out["_action"] = action
			out["_investigation_id"] = ec.InvestigationID
		}
		return out, nil
	}), nil
}

func optFloat(entry domain.AgentCatalogEntry, key string) (float64, bool, error) {
	raw, ok := entry.Options[key]
	if !ok || raw == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("agent %q: option %s=%q is not a number", entry.Name, key, raw)
	}
	return f, true, nil
}
