package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kaptinlin/jsonschema"
	"github.com/sony/gobreaker/v2"

	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
	"cidadao-ai/internal/infra/tracer"
)

// errPermanent marks attempt errors that retrying cannot fix.
var errPermanent = errors.New("not retryable")

type compiledSchema struct {
	raw    string
	schema *jsonschema.Schema
	err    error
}

// runStep executes one step with timeout, retries, and breaker protection.
// It never returns an error; the outcome is carried in the StepResult and,
// on failure, a *domain.StepError.
func (o *Orchestrator) runStep(ctx context.Context, x *execution, step domain.WorkflowStep, input map[string]any) (domain.StepResult, map[string]any, *domain.StepError) {
	ctx, span := tracer.StartSpan(ctx, "workflow.step")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("workflow.execution_id", x.id),
		tracer.StringAttr("step.id", step.ID),
		tracer.StringAttr("step.agent", step.AgentName),
	)

	start := time.Now()
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStepTimeout
	}
	maxAttempts := step.Retry.Attempts()

	attempts := 0
	var lastErr error
	operation := func() (map[string]any, error) {
		attempts++
		if attempts == 1 {
			x.setState(step.ID, domain.StepRunning)
			o.emit(ctx, domain.EventStepStarted, x.id, map[string]any{
				"step_id": step.ID,
				"agent":   step.AgentName,
				"status":  domain.StepRunning,
			})
		} else {
			o.emit(ctx, domain.EventStepRetrying, x.id, map[string]any{
				"step_id": step.ID,
				"attempt": attempts,
				"status":  domain.StepRetrying,
				"error":   lastErr.Error(),
			})
		}
		ec := x.ec.WithMetadata(map[string]any{"step_id": step.ID, "attempt": attempts})
		out, err := o.attempt(ctx, step, input, ec, timeout)
		lastErr = err
		if err != nil && errors.Is(err, errPermanent) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(step.Retry)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			x.setState(step.ID, domain.StepRetrying)
			o.logger.Warn("step attempt failed, retrying",
				"execution_id", x.id, "step_id", step.ID, "agent", step.AgentName,
				"attempt", attempts, "max_attempts", maxAttempts, "next", next, "error", err)
		}),
	)

	sr := domain.StepResult{
		StepID:    step.ID,
		AgentName: step.AgentName,
		Attempts:  attempts,
		Duration:  time.Since(start),
	}
	if err == nil {
		if out == nil {
			out = map[string]any{}
		}
		sr.Status = domain.StepCompleted
		sr.Output = out
		tracer.SetOK(span)
		return sr, out, nil
	}

	cause := lastErr
	if cause == nil {
		cause = fmt.Errorf("%w: %w", domain.ErrStepExecution, err)
	}
	stepErr := &domain.StepError{StepID: step.ID, AgentName: step.AgentName, Attempts: attempts, Err: cause}
	sr.Status = domain.StepFailed
	sr.Error = stepErr.Error()
	tracer.RecordError(span, stepErr)
	return sr, nil, stepErr
}

// attempt makes a single bounded call. The call runs on its own goroutine so
// the deadline is honored even when the agent ignores ctx; the lease is
// released only when the agent actually returns.
func (o *Orchestrator) attempt(ctx context.Context, step domain.WorkflowStep, input map[string]any, ec domain.ExecutionContext, timeout time.Duration) (map[string]any, error) {
	if err := o.validateInput(step.AgentName, input); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", domain.ErrStepExecution, errPermanent, err)
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent panic: %v", r)}
			}
		}()
		out, err := o.call(sctx, step, datapath.CopyMap(input), ec)
		done <- outcome{out: out, err: err}
	}()

	timedOut := func() error {
		return fmt.Errorf("%w: step %q exceeded %s", domain.ErrStepTimeout, step.ID, timeout)
	}

	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return nil, classify(res.err)
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w: %w", domain.ErrStepExecution, errPermanent, context.Cause(ctx))
		}
		return nil, timedOut()
	}
}

// classify wraps a failed call. Errors no retry can fix are marked permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrAgentLoad),
		errors.Is(err, domain.ErrPoolStopped),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w: %w", domain.ErrStepExecution, errPermanent, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrStepExecution, err)
	}
}

// call leases an instance, optionally through the agent type's breaker, and
// invokes Process.
func (o *Orchestrator) call(ctx context.Context, step domain.WorkflowStep, input map[string]any, ec domain.ExecutionContext) (map[string]any, error) {
	invoke := func() (map[string]any, error) {
		lease, err := o.pool.Acquire(ctx, step.AgentName)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
		return lease.Agent().Process(ctx, step.Action, input, ec)
	}
	if cb := o.breaker(step.AgentName); cb != nil {
		return cb.Execute(invoke)
	}
	return invoke()
}

// validateInput checks input against the agent's catalog input schema.
// Compiled schemas are cached per agent and recompiled if the entry changes.
func (o *Orchestrator) validateInput(agentName string, input map[string]any) error {
	if o.catalog == nil {
		return nil
	}
	entry, err := o.catalog.Get(agentName)
	if err != nil || len(entry.InputSchema) == 0 {
		return nil
	}

	raw := string(entry.InputSchema)
	var cs *compiledSchema
	if v, ok := o.schemas.Load(agentName); ok && v.(*compiledSchema).raw == raw {
		cs = v.(*compiledSchema)
	} else {
		cs = &compiledSchema{raw: raw}
		cs.schema, cs.err = jsonschema.NewCompiler().Compile([]byte(raw))
		o.schemas.Store(agentName, cs)
	}
	if cs.err != nil {
		return fmt.Errorf("agent %q input schema: %w", agentName, cs.err)
	}

	result := cs.schema.Validate(input)
	if !result.IsValid() {
		return domain.NewSubSystemError("agent", "Orchestrator.ValidateInput", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %s", agentName, result.Error()))
	}
	return nil
}

// newBackOff builds the retry delay policy. Fixed is the default.
func newBackOff(rc domain.RetryConfig) backoff.BackOff {
	initial := rc.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if rc.Backoff != domain.BackoffExponential {
		return backoff.NewConstantBackOff(initial)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	if rc.Multiplier > 0 {
		b.Multiplier = rc.Multiplier
	}
	if rc.MaxInterval > 0 {
		b.MaxInterval = rc.MaxInterval
	}
	return b
}
