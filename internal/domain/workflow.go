package domain

import (
	"context"
	"maps"
	"time"
)

// Pattern is the execution topology of a workflow.
type Pattern string

const (
	PatternSequential  Pattern = "sequential"
	PatternMapReduce   Pattern = "map_reduce"
	PatternFanOutFanIn Pattern = "fan_out_fan_in"
	PatternConditional Pattern = "conditional"
)

// Valid reports whether p is a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSequential, PatternMapReduce, PatternFanOutFanIn, PatternConditional:
		return true
	}
	return false
}

// FailurePolicy decides whether one step's terminal failure aborts the run.
type FailurePolicy string

const (
	FailureDefault  FailurePolicy = ""
	FailureAbort    FailurePolicy = "abort"
	FailureContinue FailurePolicy = "continue"
)

// Step roles used by the map_reduce pattern.
const (
	RoleMap    = "map"
	RoleReduce = "reduce"
)

// WorkflowDefinition is a declarative multi-agent workflow.
type WorkflowDefinition struct {
	ID            string         `json:"id"                       yaml:"id"`
	Name          string         `json:"name,omitempty"           yaml:"name,omitempty"`
	Description   string         `json:"description,omitempty"    yaml:"description,omitempty"`
	Pattern       Pattern        `json:"pattern"                  yaml:"pattern"`
	Steps         []WorkflowStep `json:"steps"                    yaml:"steps"`
	Timeout       time.Duration  `json:"timeout,omitempty"        yaml:"timeout,omitempty"`
	FailurePolicy FailurePolicy  `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.Steps = make([]WorkflowStep, len(d.Steps))
	for i, s := range d.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// WorkflowStep is one agent invocation inside a workflow.
type WorkflowStep struct {
	ID            string            `json:"id"                       yaml:"id"`
	AgentName     string            `json:"agent"                    yaml:"agent"`
	Action        string            `json:"action,omitempty"         yaml:"action,omitempty"`
	Role          string            `json:"role,omitempty"           yaml:"role,omitempty"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"  yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Conditions    map[string]any    `json:"conditions,omitempty"     yaml:"conditions,omitempty"`
	Retry         RetryConfig       `json:"retry,omitempty"          yaml:"retry,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"        yaml:"timeout,omitempty"`
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	out.InputMapping = maps.Clone(s.InputMapping)
	out.OutputMapping = maps.Clone(s.OutputMapping)
	out.Conditions = maps.Clone(s.Conditions)
	return out
}

// Backoff strategies for RetryConfig.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryConfig bounds how often a failing step is re-attempted.
// MaxAttempts counts the first attempt; zero means one attempt.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts,omitempty"     yaml:"max_attempts,omitempty"`
	Backoff         string        `json:"backoff,omitempty"          yaml:"backoff,omitempty"`
	InitialInterval time.Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `json:"max_interval,omitempty"     yaml:"max_interval,omitempty"`
	Multiplier      float64       `json:"multiplier,omitempty"       yaml:"multiplier,omitempty"`
}

// Attempts returns the effective number of attempts (at least 1).
func (r RetryConfig) Attempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// WorkflowStatus is the lifecycle state of one execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowTimedOut  WorkflowStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowTimedOut
}

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepRetrying  StepStatus = "retrying"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionProgress is a point-in-time view of an execution still in flight.
type ExecutionProgress struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      WorkflowStatus        `json:"status"`
	Steps       map[string]StepStatus `json:"steps"`
	StartedAt   time.Time             `json:"started_at"`
}

// DataBag is the mutable state threaded through one workflow execution.
type DataBag map[string]any

// StepResult records the outcome of one step.
type StepResult struct {
	StepID    string         `json:"step_id"`
	AgentName string         `json:"agent"`
	Status    StepStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// WorkflowResult is the aggregated outcome of one workflow execution.
type WorkflowResult struct {
	ExecutionID   string                    `json:"execution_id"`
	WorkflowID    string                    `json:"workflow_id"`
	Pattern       Pattern                   `json:"pattern"`
	Status        WorkflowStatus            `json:"status"`
	Output        map[string]any            `json:"output,omitempty"`
	Outputs       map[string]map[string]any `json:"outputs,omitempty"`
	Data          DataBag                   `json:"data,omitempty"`
	Steps         []StepResult              `json:"steps"`
	ExecutionPath []string                  `json:"execution_path,omitempty"`
	FailedSteps   []string                  `json:"failed_steps,omitempty"`
	Error         string                    `json:"error,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	CompletedAt   time.Time                 `json:"completed_at"`
	Duration      time.Duration             `json:"duration"`
}

// Step returns the result for stepID, if recorded.
func (r *WorkflowResult) Step(stepID string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepResult{}, false
}

// RunStore persists finished workflow executions.
type RunStore interface {
	SaveRun(ctx context.Context, run WorkflowResult) error
	GetRun(ctx context.Context, executionID string) (*WorkflowResult, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowResult, error)
}
