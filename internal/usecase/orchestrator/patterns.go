package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"cidadao-ai/internal/datapath"
	"cidadao-ai/internal/domain"
)

// branch is the outcome of one concurrently executed step.
type branch struct {
	result domain.StepResult
	output map[string]any
	err    *domain.StepError
}

// runOrdered executes steps one after another against the shared bag. It
// serves the sequential and conditional patterns; the latter also records
// the taken path.
func (o *Orchestrator) runOrdered(ctx context.Context, x *execution, recordPath bool) error {
	var firstErr error
	for _, step := range x.def.Steps {
		if !conditionsMet(step.Conditions, x.bag) {
			o.skip(ctx, x, step)
			continue
		}
		if recordPath {
			x.result.ExecutionPath = append(x.result.ExecutionPath, step.ID)
		}

		input := buildInput(step, x.bag)
		sr, out, stepErr := o.runStep(ctx, x, step, input)
		x.record(sr)
		if stepErr != nil {
			o.stepFailed(ctx, x, stepErr)
			if x.policy == domain.FailureAbort {
				return stepErr
			}
			if firstErr == nil {
				firstErr = stepErr
			}
			continue
		}

		o.stepCompleted(ctx, x, sr)
		applyOutput(step, out, x.bag)
		x.result.Output = out
	}
	if x.result.Output == nil && firstErr != nil {
		return firstErr
	}
	return nil
}

// runMapReduce runs the map steps concurrently against one snapshot of the
// bag, merges their outputs in list order, then feeds the collected results
// to the reduce step.
func (o *Orchestrator) runMapReduce(ctx context.Context, x *execution) error {
	maps, reduce, err := splitRoles(x.def.Steps)
	if err != nil {
		return domain.NewDomainError("Orchestrator.Execute", domain.ErrOrchestration, err.Error())
	}

	snapshot := datapath.CopyMap(x.bag)
	branches := o.runConcurrently(ctx, x, maps, func(domain.WorkflowStep) map[string]any { return snapshot })

	mapResults := make([]any, 0, len(maps))
	mapErrors := make(map[string]any)
	var firstErr error
	for i, b := range branches {
		x.record(b.result)
		switch {
		case b.err != nil:
			mapErrors[maps[i].ID] = b.err.Error()
			if firstErr == nil {
				firstErr = b.err
			}
		case b.result.Status == domain.StepCompleted:
			applyOutput(maps[i], b.output, x.bag)
			mapResults = append(mapResults, datapath.CopyMap(b.output))
		}
	}
	if firstErr != nil && (x.policy == domain.FailureAbort || len(mapResults) == 0) {
		return firstErr
	}

	if !conditionsMet(reduce.Conditions, x.bag) {
		o.skip(ctx, x, reduce)
		return nil
	}
	input := buildInput(reduce, x.bag)
	input["map_results"] = mapResults
	input["map_errors"] = mapErrors

	sr, out, stepErr := o.runStep(ctx, x, reduce, input)
	x.record(sr)
	if stepErr != nil {
		o.stepFailed(ctx, x, stepErr)
		return stepErr
	}
	o.stepCompleted(ctx, x, sr)
	applyOutput(reduce, out, x.bag)
	x.result.Output = out
	return nil
}

// runFanOut runs every step concurrently, each on a private copy of the
// pre-branch bag. The output is keyed by step ID.
func (o *Orchestrator) runFanOut(ctx context.Context, x *execution) error {
	snapshot := datapath.CopyMap(x.bag)
	branches := o.runConcurrently(ctx, x, x.def.Steps, func(domain.WorkflowStep) map[string]any {
		return datapath.CopyMap(snapshot)
	})

	output := make(map[string]any, len(branches))
	succeeded := 0
	var firstErr error
	for i, b := range branches {
		step := x.def.Steps[i]
		x.record(b.result)
		if b.err != nil {
			if firstErr == nil {
				firstErr = b.err
			}
			continue
		}
		if b.result.Status == domain.StepCompleted {
			succeeded++
			output[step.ID] = b.output
			applyOutput(step, b.output, x.bag)
		}
	}
	x.result.Output = output

	if firstErr == nil {
		return nil
	}
	if x.policy == domain.FailureAbort {
		return firstErr
	}
	if succeeded == 0 {
		return fmt.Errorf("%w: every branch failed: %w", domain.ErrStepExecution, firstErr)
	}
	return nil
}

// runConcurrently executes steps in parallel and returns their outcomes in
// step order. Under the abort policy the first failure cancels the siblings.
// view supplies the data each branch reads its conditions and input from.
func (o *Orchestrator) runConcurrently(ctx context.Context, x *execution, steps []domain.WorkflowStep, view func(domain.WorkflowStep) map[string]any) []branch {
	branches := make([]branch, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		data := view(step)
		g.Go(func() error {
			if !conditionsMet(step.Conditions, data) {
				branches[i] = branch{result: domain.StepResult{StepID: step.ID, AgentName: step.AgentName, Status: domain.StepSkipped}}
				o.emit(gctx, domain.EventStepSkipped, x.id, map[string]any{"step_id": step.ID})
				return nil
			}
			sr, out, stepErr := o.runStep(gctx, x, step, buildInput(step, data))
			branches[i] = branch{result: sr, output: out, err: stepErr}
			if stepErr != nil {
				o.stepFailed(gctx, x, stepErr)
				if x.policy == domain.FailureAbort {
					return stepErr
				}
				return nil
			}
			o.stepCompleted(gctx, x, sr)
			return nil
		})
	}
	_ = g.Wait()
	return branches
}

func (o *Orchestrator) skip(ctx context.Context, x *execution, step domain.WorkflowStep) {
	x.record(domain.StepResult{StepID: step.ID, AgentName: step.AgentName, Status: domain.StepSkipped})
	o.logger.Debug("step skipped", "execution_id", x.id, "step_id", step.ID)
	o.emit(ctx, domain.EventStepSkipped, x.id, map[string]any{"step_id": step.ID})
}

func (o *Orchestrator) stepCompleted(ctx context.Context, x *execution, sr domain.StepResult) {
	o.logger.Debug("step completed", "execution_id", x.id, "step_id", sr.StepID,
		"agent", sr.AgentName, "attempts", sr.Attempts, "duration", sr.Duration)
	o.emit(ctx, domain.EventStepCompleted, x.id, map[string]any{
		"step_id":     sr.StepID,
		"agent":       sr.AgentName,
		"attempts":    sr.Attempts,
		"duration_ms": sr.Duration.Milliseconds(),
	})
}

func (o *Orchestrator) stepFailed(ctx context.Context, x *execution, stepErr *domain.StepError) {
	o.logger.Warn("step failed", "execution_id", x.id, "step_id", stepErr.StepID,
		"agent", stepErr.AgentName, "attempts", stepErr.Attempts, "error", stepErr.Err)
	o.emit(ctx, domain.EventStepFailed, x.id, map[string]any{
		"step_id":  stepErr.StepID,
		"agent":    stepErr.AgentName,
		"attempts": stepErr.Attempts,
		"timeout":  stepErr.Timeout(),
		"error":    stepErr.Err.Error(),
	})
}
