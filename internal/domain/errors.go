package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels. Combine with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
)

// Orchestration core sentinels.
var (
	ErrAgentLoad          = fmt.Errorf("agent load failed")
	ErrAgentNotRegistered = fmt.Errorf("agent type not registered: %w", ErrAgentLoad)
	ErrPoolExhausted      = fmt.Errorf("agent pool exhausted")
	ErrPoolStopped        = fmt.Errorf("agent pool stopped")
	ErrStepTimeout        = fmt.Errorf("step timed out: %w", ErrTimeout)
	ErrStepExecution      = fmt.Errorf("step execution failed")
	ErrWorkflowTimeout    = fmt.Errorf("workflow timed out: %w", ErrTimeout)
	ErrOrchestration      = fmt.Errorf("invalid workflow definition")
	ErrStoreWrite         = fmt.Errorf("run store write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Pool.Acquire")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "pool"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StepError is the terminal error of a step after its retries are exhausted.
// Err wraps ErrStepTimeout or ErrStepExecution and the agent's own error.
type StepError struct {
	StepID    string
	AgentName string
	Attempts  int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (agent %q) failed after %d attempt(s): %v", e.StepID, e.AgentName, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Timeout reports whether the step ended because its deadline expired.
func (e *StepError) Timeout() bool { return errors.Is(e.Err, ErrStepTimeout) }

// StepFailure summarizes one failed step inside a WorkflowError.
type StepFailure struct {
	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

// WorkflowError is returned by ExecuteWorkflow when a run does not complete.
// It names every failed step so callers can report them individually.
type WorkflowError struct {
	WorkflowID  string
	ExecutionID string
	Status      WorkflowStatus
	Failures    []StepFailure
	Err         error
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %q (%s) %s", e.WorkflowID, e.ExecutionID, e.Status)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %s", f.StepID, f.Error)
	}
	return b.String()
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// IsRetryableError reports whether err is a transient error the caller may retry
// with backpressure (pool saturation, admission limits).
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrLimitReached)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeAgentLoad          ErrorCode = "AGENT_LOAD"
	CodeAgentNotRegistered ErrorCode = "AGENT_NOT_REGISTERED"
	CodePoolExhausted      ErrorCode = "POOL_EXHAUSTED"
	CodePoolStopped        ErrorCode = "POOL_STOPPED"
	CodeStepTimeout        ErrorCode = "STEP_TIMEOUT"
	CodeStepExecution      ErrorCode = "STEP_EXECUTION"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_TIMEOUT"
	CodeOrchestration      ErrorCode = "ORCHESTRATION"
	CodeStoreWrite         ErrorCode = "STORE_WRITE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInvalid    ErrorCode = "WORKFLOW_INVALID"
	CodeWorkflowMaxRunning ErrorCode = "WORKFLOW_MAX_RUNNING"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentInputInvalid  ErrorCode = "AGENT_INPUT_INVALID"
	CodeRunNotFound        ErrorCode = "RUN_NOT_FOUND"
	CodeScheduleInvalid    ErrorCode = "SCHEDULE_INVALID"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrConfigLoad:   CodeConfigLoad,

	ErrAgentLoad:          CodeAgentLoad,
	ErrAgentNotRegistered: CodeAgentNotRegistered,
	ErrPoolExhausted:      CodePoolExhausted,
	ErrPoolStopped:        CodePoolStopped,
	ErrStepTimeout:        CodeStepTimeout,
	ErrStepExecution:      CodeStepExecution,
	ErrWorkflowTimeout:    CodeWorkflowTimeout,
	ErrOrchestration:      CodeOrchestration,
	ErrStoreWrite:         CodeStoreWrite,
}

// specificity orders the chain walk so that wrapped sentinels resolve to the
// most specific code (ErrAgentNotRegistered before ErrAgentLoad, and so on).
var specificity = []error{
	ErrAgentNotRegistered,
	ErrStepTimeout,
	ErrWorkflowTimeout,
	ErrAgentLoad,
	ErrPoolExhausted,
	ErrPoolStopped,
	ErrStepExecution,
	ErrOrchestration,
	ErrStoreWrite,
	ErrConfigLoad,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrLimitReached,
	ErrInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workflow": CodeWorkflowNotFound,
		"agent":    CodeAgentNotFound,
		"run":      CodeRunNotFound,
	},
	ErrLimitReached: {
		"workflow": CodeWorkflowMaxRunning,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
		"agent":    CodeAgentInputInvalid,
		"schedule": CodeScheduleInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
