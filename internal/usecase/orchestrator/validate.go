package orchestrator

import (
	"fmt"

	"cidadao-ai/internal/domain"
)

// ValidateDefinition checks a workflow definition for structural errors.
// Errors wrap ErrOrchestration.
func ValidateDefinition(def domain.WorkflowDefinition) error {
	invalid := func(format string, args ...any) error {
		return domain.NewSubSystemError("workflow", "Orchestrator.Validate", domain.ErrOrchestration,
			fmt.Sprintf("workflow %q: ", def.ID)+fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		return invalid("id is required")
	}
	if !def.Pattern.Valid() {
		return invalid("unknown pattern %q", def.Pattern)
	}
	if len(def.Steps) == 0 {
		return invalid("at least one step is required")
	}
	if def.Timeout < 0 {
		return invalid("negative timeout")
	}
	switch def.FailurePolicy {
	case domain.FailureDefault, domain.FailureAbort, domain.FailureContinue:
	default:
		return invalid("unknown failure policy %q", def.FailurePolicy)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return invalid("step %d: id is required", i)
		}
		if seen[s.ID] {
			return invalid("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.AgentName == "" {
			return invalid("step %q: agent is required", s.ID)
		}
		if s.Timeout < 0 {
			return invalid("step %q: negative timeout", s.ID)
		}
		if s.Retry.MaxAttempts < 0 {
			return invalid("step %q: negative max_attempts", s.ID)
		}
		switch s.Retry.Backoff {
		case "", domain.BackoffFixed, domain.BackoffExponential:
		default:
			return invalid("step %q: unknown backoff %q", s.ID, s.Retry.Backoff)
		}
		switch s.Role {
		case "", domain.RoleMap, domain.RoleReduce:
		default:
			return invalid("step %q: unknown role %q", s.ID, s.Role)
		}
		if s.Role != "" && def.Pattern != domain.PatternMapReduce {
			return invalid("step %q: role is only valid for %s workflows", s.ID, domain.PatternMapReduce)
		}
	}

	if def.Pattern == domain.PatternMapReduce {
		if _, _, err := splitRoles(def.Steps); err != nil {
			return invalid("%v", err)
		}
	}
	return nil
}

// splitRoles separates map steps from the single reduce step. A step tagged
// reduce is the reducer and every other step maps; with no tag the last
// step reduces.
func splitRoles(steps []domain.WorkflowStep) ([]domain.WorkflowStep, domain.WorkflowStep, error) {
	reduceIdx := -1
	for i, s := range steps {
		if s.Role != domain.RoleReduce {
			continue
		}
		if reduceIdx >= 0 {
			return nil, domain.WorkflowStep{}, fmt.Errorf("more than one reduce step (%q, %q)", steps[reduceIdx].ID, s.ID)
		}
		reduceIdx = i
	}
	if reduceIdx < 0 {
		reduceIdx = len(steps) - 1
		if steps[reduceIdx].Role == domain.RoleMap {
			return nil, domain.WorkflowStep{}, fmt.Errorf("no reduce step")
		}
	}
	if len(steps) < 2 {
		return nil, domain.WorkflowStep{}, fmt.Errorf("needs at least one map step and a reduce step")
	}

	maps := make([]domain.WorkflowStep, 0, len(steps)-1)
	for i, s := range steps {
		if i != reduceIdx {
			maps = append(maps, s)
		}
	}
	return maps, steps[reduceIdx], nil
}

// failurePolicy resolves the pattern default for an unset policy.
func failurePolicy(def domain.WorkflowDefinition) domain.FailurePolicy {
	if def.FailurePolicy != domain.FailureDefault {
		return def.FailurePolicy
	}
	switch def.Pattern {
	case domain.PatternMapReduce, domain.PatternFanOutFanIn:
		return domain.FailureContinue
	default:
		return domain.FailureAbort
	}
}
