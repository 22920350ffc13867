package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/tracer"
)

// execution is the private state of one workflow run.
type execution struct {
	id     string
	def    domain.WorkflowDefinition
	ec     domain.ExecutionContext
	bag    domain.DataBag
	policy domain.FailurePolicy

	mu     sync.Mutex
	status domain.WorkflowStatus
	states map[string]domain.StepStatus
	result *domain.WorkflowResult
}

func (x *execution) setState(stepID string, s domain.StepStatus) {
	x.mu.Lock()
	x.states[stepID] = s
	x.mu.Unlock()
}

func (x *execution) progress() domain.ExecutionProgress {
	x.mu.Lock()
	defer x.mu.Unlock()
	steps := make(map[string]domain.StepStatus, len(x.states))
	for id, s := range x.states {
		steps[id] = s
	}
	return domain.ExecutionProgress{
		ExecutionID: x.id,
		WorkflowID:  x.def.ID,
		Status:      x.status,
		Steps:       steps,
		StartedAt:   x.result.StartedAt,
	}
}

func (x *execution) record(sr domain.StepResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.states[sr.StepID] = sr.Status
	x.result.Steps = append(x.result.Steps, sr)
	if sr.Status == domain.StepFailed {
		x.result.FailedSteps = append(x.result.FailedSteps, sr.StepID)
	}
	if sr.Status == domain.StepCompleted {
		x.result.Outputs[sr.StepID] = sr.Output
	}
}

// ExecuteWorkflow runs the registered workflow id. On anything but
// completion the result is returned together with a *domain.WorkflowError.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string, initialData map[string]any, ec domain.ExecutionContext) (*domain.WorkflowResult, error) {
	o.mu.RLock()
	def, ok := o.workflows[id]
	o.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "Orchestrator.ExecuteWorkflow", domain.ErrNotFound, id)
	}
	return o.execute(ctx, def.Clone(), initialData, ec)
}

// ExecuteDefinition validates and runs a definition without registering it.
func (o *Orchestrator) ExecuteDefinition(ctx context.Context, def domain.WorkflowDefinition, initialData map[string]any, ec domain.ExecutionContext) (*domain.WorkflowResult, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return o.execute(ctx, def.Clone(), initialData, ec)
}

func (o *Orchestrator) execute(ctx context.Context, def domain.WorkflowDefinition, initialData map[string]any, ec domain.ExecutionContext) (*domain.WorkflowResult, error) {
	if err := o.admit(ctx); err != nil {
		return nil, err
	}
	defer o.running.Add(-1)
	o.started.Add(1)

	now := time.Now()
	x := &execution{
		id:     ulid.Make().String(),
		def:    def,
		bag:    domain.DataBag(datapath.CopyMap(initialData)),
		policy: failurePolicy(def),
		status: domain.WorkflowPending,
		states: make(map[string]domain.StepStatus, len(def.Steps)),
	}
	for _, s := range def.Steps {
		x.states[s.ID] = domain.StepPending
	}
	x.ec = ec.WithMetadata(map[string]any{"execution_id": x.id, "workflow_id": def.ID})
	x.result = &domain.WorkflowResult{
		ExecutionID: x.id,
		WorkflowID:  def.ID,
		Pattern:     def.Pattern,
		Status:      domain.WorkflowPending,
		Outputs:     make(map[string]map[string]any),
		StartedAt:   now,
	}

	ctx, span := tracer.StartSpan(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("workflow.id", def.ID),
		tracer.StringAttr("workflow.execution_id", x.id),
		tracer.StringAttr("workflow.pattern", string(def.Pattern)),
		tracer.IntAttr("workflow.steps", len(def.Steps)),
	)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.active.Store(x.id, x)
	defer o.active.Delete(x.id)
	x.result.Status = domain.WorkflowRunning
	x.mu.Lock()
	x.status = domain.WorkflowRunning
	x.mu.Unlock()
	o.logger.Info("workflow started", "workflow_id", def.ID, "execution_id", x.id,
		"pattern", def.Pattern, "investigation_id", ec.InvestigationID)
	o.emit(ctx, domain.EventWorkflowStarted, x.id, map[string]any{
		"workflow_id":      def.ID,
		"pattern":          def.Pattern,
		"investigation_id": ec.InvestigationID,
	})

	var runErr error
	switch def.Pattern {
	case domain.PatternSequential:
		runErr = o.runOrdered(wctx, x, false)
	case domain.PatternConditional:
		runErr = o.runOrdered(wctx, x, true)
	case domain.PatternMapReduce:
		runErr = o.runMapReduce(wctx, x)
	case domain.PatternFanOutFanIn:
		runErr = o.runFanOut(wctx, x)
	}

	timedOut := errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		(runErr != nil || len(x.result.FailedSteps) > 0)
	switch {
	case timedOut:
		runErr = domain.ErrWorkflowTimeout
	case runErr == nil && ctx.Err() != nil:
		runErr = ctx.Err()
	}

	return o.finish(ctx, x, runErr, timedOut, span)
}

// Progress reports the live step states of an execution that has not
// finished yet.
func (o *Orchestrator) Progress(executionID string) (domain.ExecutionProgress, error) {
	v, ok := o.active.Load(executionID)
	if !ok {
		return domain.ExecutionProgress{}, domain.NewSubSystemError("run", "Orchestrator.Progress", domain.ErrNotFound, executionID)
	}
	return v.(*execution).progress(), nil
}

func (o *Orchestrator) finish(ctx context.Context, x *execution, runErr error, timedOut bool, span trace.Span) (*domain.WorkflowResult, error) {
	r := x.result
	r.Data = x.bag
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)

	var eventType domain.EventType
	switch {
	case timedOut:
		r.Status = domain.WorkflowTimedOut
		eventType = domain.EventWorkflowTimedOut
		o.timedOut.Add(1)
	case runErr != nil:
		r.Status = domain.WorkflowFailed
		eventType = domain.EventWorkflowFailed
		o.failed.Add(1)
	default:
		r.Status = domain.WorkflowCompleted
		eventType = domain.EventWorkflowCompleted
		o.completed.Add(1)
	}

	var wfErr *domain.WorkflowError
	if runErr != nil {
		r.Error = runErr.Error()
		wfErr = &domain.WorkflowError{
			WorkflowID:  x.def.ID,
			ExecutionID: x.id,
			Status:      r.Status,
			Err:         runErr,
		}
		for _, s := range r.Steps {
			if s.Status == domain.StepFailed {
				wfErr.Failures = append(wfErr.Failures, domain.StepFailure{StepID: s.StepID, Error: s.Error})
			}
		}
		tracer.RecordError(span, wfErr)
	} else {
		tracer.SetOK(span)
	}

	o.logger.Info("workflow finished", "workflow_id", x.def.ID, "execution_id", x.id,
		"status", r.Status, "duration", r.Duration, "failed_steps", len(r.FailedSteps))
	o.emit(ctx, eventType, x.id, map[string]any{
		"workflow_id":  x.def.ID,
		"status":       r.Status,
		"failed_steps": r.FailedSteps,
		"duration_ms":  r.Duration.Milliseconds(),
	})

	if o.store != nil {
		if err := o.store.SaveRun(context.WithoutCancel(ctx), *r); err != nil {
			o.logger.Warn("failed to persist workflow run", "execution_id", x.id, "error", err)
		}
	}

	if wfErr != nil {
		return r, wfErr
	}
	return r, nil
}
