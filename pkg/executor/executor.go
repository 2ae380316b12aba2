// Package executor drives workflow executions to completion: it pulls ready
// steps from the choreography engine, invokes agent capabilities in parallel,
// retries transient failures with exponential backoff, applies per-step error
// handlers, and compensates completed work in reverse order when a workflow
// rolls back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Veridian-Labs/veridian/core/pkg/choreo"
	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Publisher is the event surface the executor needs.
type Publisher interface {
	Publish(contracts.Event) error
}

// InputValidator checks step inputs against the target capability's declared
// shape. A nil validator skips validation.
type InputValidator interface {
	ValidateInput(agentID, capabilityID string, inputs map[string]any) error
}

// Options configures an Executor.
type Options struct {
	// EnableRollback gates compensation on on_error=rollback workflows.
	EnableRollback bool
	// InvokeTimeout bounds each invocation when the step declares none.
	InvokeTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{EnableRollback: true, InvokeTimeout: 10 * time.Second}
}

// Executor runs workflow executions.
type Executor struct {
	engine    *choreo.Engine
	bus       Publisher
	invoker   contracts.Invoker
	validator InputValidator
	opts      Options
	log       *slog.Logger
}

// New creates an Executor. The validator is optional.
func New(engine *choreo.Engine, bus Publisher, invoker contracts.Invoker, validator InputValidator, opts Options) (*Executor, error) {
	if engine == nil || bus == nil || invoker == nil {
		return nil, fmt.Errorf("executor: engine, bus, and invoker are required: %w", contracts.ErrInvalidArgument)
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultOptions().InvokeTimeout
	}
	return &Executor{
		engine:    engine,
		bus:       bus,
		invoker:   invoker,
		validator: validator,
		opts:      opts,
		log:       slog.Default().With("component", "executor"),
	}, nil
}

type stepResult struct {
	stepID string
	err    error
}

// Run drives the execution to a terminal state. The returned error reflects
// the terminal failure, if any; workflow-step failures surface through the
// execution record and events, never as panics.
func (x *Executor) Run(ctx context.Context, executionID string) error {
	exec, err := x.engine.GetExecution(executionID)
	if err != nil {
		return err
	}
	wf, err := x.engine.GetWorkflow(exec.WorkflowID)
	if err != nil {
		return err
	}
	if wf.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wf.MaxDuration)
		defer cancel()
	}

	if err := x.engine.StartExecution(executionID); err != nil {
		return err
	}
	x.emit(contracts.EventWorkflowStarted, wf, exec, nil)

	for {
		if err := ctx.Err(); err != nil {
			return x.cancel(wf, exec)
		}

		ready, remaining, err := x.engine.NextSteps(executionID)
		if err != nil {
			return x.fail(ctx, wf, exec, err)
		}
		if len(ready) == 0 {
			if remaining == 0 {
				break
			}
			deadlock := fmt.Errorf("executor: %d steps unreachable: %w", remaining, contracts.ErrDeadlock)
			return x.fail(ctx, wf, exec, deadlock)
		}

		results := make([]stepResult, len(ready))
		var wg sync.WaitGroup
		for i, step := range ready {
			wg.Add(1)
			go func(i int, step contracts.Step) {
				defer wg.Done()
				results[i] = stepResult{stepID: step.ID, err: x.runStep(ctx, wf, exec, step)}
			}(i, step)
		}
		wg.Wait()

		var stepErr error
		for _, res := range results {
			if res.err != nil {
				stepErr = fmt.Errorf("step %s: %w: %w", res.stepID, res.err, contracts.ErrStepFailed)
				break
			}
		}
		if stepErr == nil {
			continue
		}
		if errors.Is(stepErr, contracts.ErrCancelled) || ctx.Err() != nil {
			return x.cancel(wf, exec)
		}

		switch wf.OnError {
		case contracts.OnErrorContinue:
			// Dependents of the failed step never become ready; the loop
			// terminates through the deadlock check once nothing else runs.
			continue
		case contracts.OnErrorRollback:
			if x.opts.EnableRollback {
				x.rollback(wf, exec)
				if err := x.engine.FinishExecution(exec.ID, contracts.ExecRolledBack, stepErr.Error()); err != nil {
					return err
				}
				x.emit(contracts.EventWorkflowFailed, wf, exec, map[string]any{"error": stepErr.Error(), "rolled_back": true})
				return stepErr
			}
			return x.fail(ctx, wf, exec, stepErr)
		default: // stop
			return x.fail(ctx, wf, exec, stepErr)
		}
	}

	if err := x.engine.FinishExecution(exec.ID, contracts.ExecCompleted, ""); err != nil {
		return err
	}
	x.emit(contracts.EventWorkflowCompleted, wf, exec, nil)
	return nil
}

// runStep executes one step end to end: input resolution, schema validation,
// the retry loop, and the error handler. A nil return means the step settled
// without failing the workflow (completed or recovered).
func (x *Executor) runStep(ctx context.Context, wf *contracts.Workflow, exec *contracts.WorkflowExecution, step contracts.Step) error {
	inputs, err := x.engine.ResolveInputs(exec.ID, step.Input)
	if err != nil {
		return x.settleFailure(wf, exec, step, err)
	}

	if x.validator != nil {
		if err := x.validator.ValidateInput(step.AgentID, step.CapabilityID, inputs); err != nil {
			// A shape violation never heals on retry.
			return x.settleFailure(wf, exec, step, contracts.Permanent(err))
		}
	}

	if err := x.engine.MarkStepRunning(exec.ID, step.ID); err != nil {
		return err
	}

	outputs, err := x.invokeWithRetries(ctx, exec.ID, step, inputs)
	if err == nil {
		if err := x.engine.CompleteStep(exec.ID, step.ID, outputs); err != nil {
			return err
		}
		x.emit(contracts.EventWorkflowStepCompleted, wf, exec, map[string]any{"step_id": step.ID})
		return nil
	}
	if contracts.ClassifyInvocation(err) == contracts.InvocationCancelled {
		return fmt.Errorf("executor: step %s: %w", step.ID, contracts.ErrCancelled)
	}
	return x.settleFailure(wf, exec, step, err)
}

// invokeWithRetries runs the invocation under the step's retry policy:
// delay(n) = min(base · multiplier^(n−1), max_delay).
func (x *Executor) invokeWithRetries(ctx context.Context, executionID string, step contracts.Step, inputs map[string]any) (map[string]any, error) {
	maxAttempts := 1
	baseDelay := time.Duration(0)
	multiplier := 1.0
	maxDelay := time.Duration(math.MaxInt64)
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			maxAttempts = step.Retry.MaxAttempts
		}
		baseDelay = step.Retry.Delay
		if step.Retry.BackoffMultiplier > 0 {
			multiplier = step.Retry.BackoffMultiplier
		}
		if step.Retry.MaxDelay > 0 {
			maxDelay = step.Retry.MaxDelay
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outputs, err := x.invokeOnce(ctx, step, inputs)
		if err == nil {
			return outputs, nil
		}
		lastErr = err

		switch contracts.ClassifyInvocation(err) {
		case contracts.InvocationPermanent, contracts.InvocationCancelled:
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		if _, rerr := x.engine.IncrementRetry(executionID, step.ID); rerr != nil {
			return nil, rerr
		}
		delay := time.Duration(float64(baseDelay) * math.Pow(multiplier, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		x.log.Debug("retrying step",
			"execution_id", executionID, "step_id", step.ID, "attempt", attempt, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, contracts.Transient(err)
		}
	}
	return nil, lastErr
}

// invokeOnce runs a single invocation bounded by the step timeout. A timeout
// counts as a transient failure; caller cancellation maps to Cancelled.
func (x *Executor) invokeOnce(ctx context.Context, step contracts.Step, inputs map[string]any) (map[string]any, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = x.opts.InvokeTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		outputs map[string]any
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		outputs, err := x.invoker.Invoke(step.AgentID, step.CapabilityID, inputs)
		ch <- result{outputs, err}
	}()

	select {
	case <-ictx.Done():
		if ctx.Err() != nil {
			return nil, &contracts.InvocationError{Kind: contracts.InvocationCancelled, Err: ctx.Err()}
		}
		return nil, contracts.Transient(fmt.Errorf("capability %s timed out after %s", step.CapabilityID, timeout))
	case res := <-ch:
		return res.outputs, res.err
	}
}

// settleFailure applies the step's error handler after retries are exhausted.
// A nil return means the handler recovered the step.
func (x *Executor) settleFailure(wf *contracts.Workflow, exec *contracts.WorkflowExecution, step contracts.Step, cause error) error {
	if step.OnError != nil {
		switch step.OnError.Kind {
		case contracts.HandlerSkip:
			if err := x.engine.SkipStep(exec.ID, step.ID); err != nil {
				return err
			}
			x.log.Info("step failure skipped by handler",
				"execution_id", exec.ID, "step_id", step.ID, "error", cause)
			return nil
		case contracts.HandlerFallback:
			if recovered := x.runFallback(wf, exec, step, cause); recovered {
				return nil
			}
		case contracts.HandlerCallback:
			// Out-of-band notification; the step still fails.
			x.notifyCallback(exec, step, cause)
		case contracts.HandlerRetry:
			// Retries already exhausted; fall through to failure.
		}
	}

	if err := x.engine.FailStep(exec.ID, step.ID, cause.Error()); err != nil {
		return err
	}
	x.emit(contracts.EventWorkflowStepFailed, wf, exec, map[string]any{
		"step_id": step.ID,
		"error":   cause.Error(),
	})
	return cause
}

// runFallback executes the handler's named fallback step. On success the
// original step is marked skipped and treated as recovered.
func (x *Executor) runFallback(wf *contracts.Workflow, exec *contracts.WorkflowExecution, step contracts.Step, cause error) bool {
	var fallback *contracts.Step
	for i := range wf.Steps {
		if wf.Steps[i].ID == step.OnError.Action {
			fallback = &wf.Steps[i]
			break
		}
	}
	if fallback == nil {
		x.log.Warn("fallback step not found",
			"execution_id", exec.ID, "step_id", step.ID, "fallback", step.OnError.Action)
		return false
	}

	inputs, err := x.engine.ResolveInputs(exec.ID, fallback.Input)
	if err != nil {
		return false
	}
	outputs, err := x.invoker.Invoke(fallback.AgentID, fallback.CapabilityID, inputs)
	if err != nil {
		x.log.Warn("fallback step failed",
			"execution_id", exec.ID, "step_id", step.ID, "fallback", fallback.ID, "error", err)
		return false
	}

	if err := x.engine.CompleteStep(exec.ID, fallback.ID, outputs); err != nil {
		return false
	}
	x.emit(contracts.EventWorkflowStepCompleted, wf, exec, map[string]any{"step_id": fallback.ID, "fallback_for": step.ID})
	if err := x.engine.SkipStep(exec.ID, step.ID); err != nil {
		return false
	}
	x.log.Info("step recovered by fallback",
		"execution_id", exec.ID, "step_id", step.ID, "fallback", fallback.ID, "error", cause)
	return true
}

func (x *Executor) notifyCallback(exec *contracts.WorkflowExecution, step contracts.Step, cause error) {
	err := x.bus.Publish(contracts.Event{
		Type:          contracts.EventAgentEvent,
		SourceAgent:   step.AgentID,
		ExecutionID:   exec.ID,
		CorrelationID: exec.Context.CorrelationID,
		Payload: map[string]any{
			"callback": step.OnError.Action,
			"step_id":  step.ID,
			"error":    cause.Error(),
			"params":   step.OnError.Params,
		},
	})
	if err != nil {
		x.log.Warn("callback notification failed",
			"execution_id", exec.ID, "step_id", step.ID, "error", err)
	}
}

// rollback compensates completed steps in reverse insertion order by
// invoking <capability>_rollback on the same agent with the step's outputs.
// Individual compensation failures are recorded and skipped, never fatal.
func (x *Executor) rollback(wf *contracts.Workflow, exec *contracts.WorkflowExecution) {
	order, err := x.engine.CompletedStepsReversed(exec.ID)
	if err != nil {
		x.log.Error("rollback walk failed", "execution_id", exec.ID, "error", err)
		return
	}
	current, err := x.engine.GetExecution(exec.ID)
	if err != nil {
		return
	}

	steps := make(map[string]contracts.Step, len(wf.Steps))
	for _, s := range wf.Steps {
		steps[s.ID] = s
	}

	for _, stepID := range order {
		step := steps[stepID]
		entry := contracts.RollbackEntry{
			StepID:             stepID,
			RollbackCapability: step.CapabilityID + "_rollback",
			Inputs:             current.Context.StepOutputs[stepID],
			Status:             "executed",
		}
		if _, err := x.invoker.Invoke(step.AgentID, entry.RollbackCapability, entry.Inputs); err != nil {
			entry.Status = "failed"
			entry.Error = err.Error()
			x.log.Warn("rollback step failed",
				"execution_id", exec.ID, "step_id", stepID, "error", err)
		}
		if err := x.engine.AppendRollback(exec.ID, entry); err != nil {
			x.log.Error("recording rollback entry failed",
				"execution_id", exec.ID, "step_id", stepID, "error", err)
		}
	}
}

// cancel transitions the execution to failed with a Cancelled error, running
// rollback first iff the workflow's policy asks for it.
func (x *Executor) cancel(wf *contracts.Workflow, exec *contracts.WorkflowExecution) error {
	if wf.OnError == contracts.OnErrorRollback && x.opts.EnableRollback {
		x.rollback(wf, exec)
	}
	cause := fmt.Errorf("executor: execution %s: %w", exec.ID, contracts.ErrCancelled)
	if err := x.engine.FinishExecution(exec.ID, contracts.ExecFailed, cause.Error()); err != nil {
		return err
	}
	x.emit(contracts.EventWorkflowFailed, wf, exec, map[string]any{"error": cause.Error(), "cancelled": true})
	return cause
}

func (x *Executor) fail(ctx context.Context, wf *contracts.Workflow, exec *contracts.WorkflowExecution, cause error) error {
	if ctx.Err() != nil && !errors.Is(cause, contracts.ErrDeadlock) {
		return x.cancel(wf, exec)
	}
	if err := x.engine.FinishExecution(exec.ID, contracts.ExecFailed, cause.Error()); err != nil {
		return err
	}
	x.emit(contracts.EventWorkflowFailed, wf, exec, map[string]any{"error": cause.Error()})
	return cause
}

func (x *Executor) emit(t contracts.EventType, wf *contracts.Workflow, exec *contracts.WorkflowExecution, payload map[string]any) {
	err := x.bus.Publish(contracts.Event{
		Type:          t,
		SourceAgent:   "maestro",
		WorkflowID:    wf.ID,
		ExecutionID:   exec.ID,
		CorrelationID: exec.Context.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		x.log.Warn("event publish failed", "type", t, "execution_id", exec.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
