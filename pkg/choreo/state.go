package choreo

import (
	"fmt"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// StartExecution transitions a pending execution to running.
func (e *Engine) StartExecution(executionID string) error {
	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	exec := entry.exec
	if exec.State != contracts.ExecPending {
		return fmt.Errorf("choreo: execution %s is %s, not pending: %w", executionID, exec.State, contracts.ErrInvalidArgument)
	}
	now := e.now().UTC()
	exec.State = contracts.ExecRunning
	exec.StartedAt = &now
	return nil
}

// MarkStepRunning transitions a step to running.
func (e *Engine) MarkStepRunning(executionID, stepID string) error {
	return e.mutateStep(executionID, stepID, func(se *contracts.StepExecution) error {
		if se.State.Terminal() {
			return fmt.Errorf("choreo: step %s is terminal (%s): %w", stepID, se.State, contracts.ErrInvalidArgument)
		}
		if se.StartedAt == nil {
			now := e.now().UTC()
			se.StartedAt = &now
		}
		se.State = contracts.StepRunning
		return nil
	})
}

// CompleteStep marks a step completed, stores its outputs, and appends the
// step to the execution's insertion-order log that drives rollback.
func (e *Engine) CompleteStep(executionID, stepID string, outputs map[string]any) error {
	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	exec := entry.exec
	se, ok := exec.Steps[stepID]
	if !ok {
		return fmt.Errorf("choreo: step %q: %w", stepID, contracts.ErrNotFound)
	}
	if se.State.Terminal() {
		return fmt.Errorf("choreo: step %s is terminal (%s): %w", stepID, se.State, contracts.ErrInvalidArgument)
	}

	now := e.now().UTC()
	se.State = contracts.StepCompleted
	se.Outputs = outputs
	se.CompletedAt = &now
	se.Error = ""
	exec.Context.StepOutputs[stepID] = outputs
	exec.StepOrder = append(exec.StepOrder, stepID)
	return nil
}

// FailStep marks a step failed with the given error message.
func (e *Engine) FailStep(executionID, stepID, message string) error {
	return e.mutateStep(executionID, stepID, func(se *contracts.StepExecution) error {
		if se.State.Terminal() {
			return fmt.Errorf("choreo: step %s is terminal (%s): %w", stepID, se.State, contracts.ErrInvalidArgument)
		}
		now := e.now().UTC()
		se.State = contracts.StepFailed
		se.Error = message
		se.CompletedAt = &now
		return nil
	})
}

// SkipStep marks a step skipped.
func (e *Engine) SkipStep(executionID, stepID string) error {
	return e.mutateStep(executionID, stepID, func(se *contracts.StepExecution) error {
		if se.State.Terminal() {
			return fmt.Errorf("choreo: step %s is terminal (%s): %w", stepID, se.State, contracts.ErrInvalidArgument)
		}
		now := e.now().UTC()
		se.State = contracts.StepSkipped
		se.CompletedAt = &now
		return nil
	})
}

// IncrementRetry bumps and returns the step's retry counter.
func (e *Engine) IncrementRetry(executionID, stepID string) (int, error) {
	var count int
	err := e.mutateStep(executionID, stepID, func(se *contracts.StepExecution) error {
		se.RetryCount++
		count = se.RetryCount
		return nil
	})
	return count, err
}

// FinishExecution transitions the execution to a terminal state. Terminal
// states are permanent; a second call is an error.
func (e *Engine) FinishExecution(executionID string, state contracts.ExecutionState, message string) error {
	if !state.Terminal() {
		return fmt.Errorf("choreo: %s is not a terminal state: %w", state, contracts.ErrInvalidArgument)
	}

	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	exec := entry.exec
	if exec.State.Terminal() {
		return fmt.Errorf("choreo: execution %s already terminal (%s): %w", executionID, exec.State, contracts.ErrInvalidArgument)
	}
	now := e.now().UTC()
	exec.State = state
	exec.CompletedAt = &now
	exec.Error = message
	return nil
}

// PauseExecution transitions a running execution to paused.
func (e *Engine) PauseExecution(executionID string) error {
	return e.setExecState(executionID, contracts.ExecRunning, contracts.ExecPaused)
}

// ResumeExecution transitions a paused execution back to running.
func (e *Engine) ResumeExecution(executionID string) error {
	return e.setExecState(executionID, contracts.ExecPaused, contracts.ExecRunning)
}

// AppendRollback records one compensating invocation in the rollback log.
func (e *Engine) AppendRollback(executionID string, rb contracts.RollbackEntry) error {
	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.exec.RollbackLog = append(entry.exec.RollbackLog, rb)
	return nil
}

// CompletedStepsReversed returns the ids of completed steps in reverse
// insertion order, the walk order for rollback.
func (e *Engine) CompletedStepsReversed(executionID string) ([]string, error) {
	entry, err := e.entry(executionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	order := entry.exec.StepOrder
	out := make([]string, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		if entry.exec.Steps[order[i]].State == contracts.StepCompleted {
			out = append(out, order[i])
		}
	}
	return out, nil
}

func (e *Engine) setExecState(executionID string, from, to contracts.ExecutionState) error {
	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exec.State != from {
		return fmt.Errorf("choreo: execution %s is %s, not %s: %w", executionID, entry.exec.State, from, contracts.ErrInvalidArgument)
	}
	entry.exec.State = to
	return nil
}

func (e *Engine) mutateStep(executionID, stepID string, fn func(*contracts.StepExecution) error) error {
	entry, err := e.entry(executionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	se, ok := entry.exec.Steps[stepID]
	if !ok {
		return fmt.Errorf("choreo: step %q: %w", stepID, contracts.ErrNotFound)
	}
	return fn(se)
}
