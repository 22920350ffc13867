package orchestrator

import (
	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
)

// buildInput shapes the agent input for step from bag. Without an input
// mapping the agent receives a copy of the whole bag. Missing sources are
// omitted.
func buildInput(step domain.WorkflowStep, bag map[string]any) map[string]any {
	if len(step.InputMapping) == 0 {
		return datapath.CopyMap(bag)
	}
	input := make(map[string]any, len(step.InputMapping))
	for dest, src := range step.InputMapping {
		if v, ok := datapath.Lookup(bag, src); ok {
			datapath.Set(input, dest, datapath.DeepCopy(v))
		}
	}
	return input
}

// applyOutput writes step output back into bag. Without an output mapping
// the whole output is stored under the step ID.
func applyOutput(step domain.WorkflowStep, output, bag map[string]any) {
	if len(step.OutputMapping) == 0 {
		bag[step.ID] = datapath.CopyMap(output)
		return
	}
	for src, dest := range step.OutputMapping {
		if v, ok := datapath.Lookup(output, src); ok {
			datapath.Set(bag, dest, datapath.DeepCopy(v))
		}
	}
}

// conditionsMet reports whether every condition path exists in bag with the
// expected value.
func conditionsMet(conds map[string]any, bag map[string]any) bool {
	for path, expected := range conds {
		actual, ok := datapath.Lookup(bag, path)
		if !ok || !datapath.Equal(actual, expected) {
			return false
		}
	}
	return true
}
