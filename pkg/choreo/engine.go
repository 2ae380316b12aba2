// Package choreo owns workflow definitions and execution state. It validates
// dependency DAGs, selects next-ready steps, substitutes ${name} placeholders,
// and evaluates step conditions (typed comparisons or CEL expressions). The
// engine-global lock guards only the registries; per-execution mutation
// serializes on an execution-scoped lock.
package choreo

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

type color int

const (
	unvisited color = iota
	visiting
	visited
)

type executionEntry struct {
	mu   sync.Mutex
	exec *contracts.WorkflowExecution
}

// Engine holds the workflow and execution registries.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]*contracts.Workflow
	executions map[string]*executionEntry

	cel *celCache
	log *slog.Logger
	now func() time.Time
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]*contracts.Workflow),
		executions: make(map[string]*executionEntry),
		cel:        newCELCache(),
		log:        slog.Default().With("component", "choreo"),
		now:        time.Now,
	}
}

// DefineWorkflow validates and stores a workflow. Fails with
// ErrCircularDependency when the step graph has a cycle and ErrDuplicateID
// when the workflow id is taken.
func (e *Engine) DefineWorkflow(wf *contracts.Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[wf.ID]; exists {
		return fmt.Errorf("choreo: workflow %q: %w", wf.ID, contracts.ErrDuplicateID)
	}
	e.workflows[wf.ID] = cloneWorkflow(wf)
	e.log.Info("workflow defined", "workflow_id", wf.ID, "steps", len(wf.Steps))
	return nil
}

// UpdateWorkflow replaces an existing definition after re-validation.
func (e *Engine) UpdateWorkflow(wf *contracts.Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[wf.ID]; !exists {
		return fmt.Errorf("choreo: workflow %q: %w", wf.ID, contracts.ErrNotFound)
	}
	e.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// GetWorkflow returns a copy of the definition.
func (e *Engine) GetWorkflow(workflowID string) (*contracts.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("choreo: workflow %q: %w", workflowID, contracts.ErrNotFound)
	}
	return cloneWorkflow(wf), nil
}

// ExecutionOptions carries correlation metadata for a new execution.
type ExecutionOptions struct {
	CorrelationID     string
	ParentExecutionID string
	// Variables overlay the workflow's initial inputs.
	Variables map[string]any
}

// CreateExecution allocates a pending execution for the workflow, seeding
// variables from the workflow's initial inputs.
func (e *Engine) CreateExecution(workflowID string, opts ExecutionOptions) (*contracts.WorkflowExecution, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("choreo: workflow %q: %w", workflowID, contracts.ErrNotFound)
	}

	variables := make(map[string]any, len(wf.InitialInputs)+len(opts.Variables))
	for k, v := range wf.InitialInputs {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}
	correlation := opts.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}

	exec := &contracts.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		State:      contracts.ExecPending,
		Steps:      make(map[string]*contracts.StepExecution, len(wf.Steps)),
		Context: &contracts.ExecutionContext{
			Variables:         variables,
			StepOutputs:       make(map[string]map[string]any),
			CorrelationID:     correlation,
			ParentExecutionID: opts.ParentExecutionID,
		},
	}
	for _, step := range wf.Steps {
		exec.Steps[step.ID] = &contracts.StepExecution{StepID: step.ID, State: contracts.StepPending}
	}

	e.mu.Lock()
	e.executions[exec.ID] = &executionEntry{exec: exec}
	e.mu.Unlock()
	return cloneExecution(exec), nil
}

// GetExecution returns a copy of the execution record.
func (e *Engine) GetExecution(executionID string) (*contracts.WorkflowExecution, error) {
	entry, err := e.entry(executionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneExecution(entry.exec), nil
}

// NextSteps returns the steps that are pending with every dependency
// completed and a true condition. Steps whose condition evaluates false are
// transitioned to skipped by this call and omitted. The second return is the
// count of non-terminal steps remaining after the skip side effects; an
// empty step set with a nonzero remainder means the execution is deadlocked.
func (e *Engine) NextSteps(executionID string) ([]contracts.Step, int, error) {
	entry, err := e.entry(executionID)
	if err != nil {
		return nil, 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	exec := entry.exec

	e.mu.RLock()
	wf, ok := e.workflows[exec.WorkflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("choreo: workflow %q: %w", exec.WorkflowID, contracts.ErrNotFound)
	}

	var ready []contracts.Step
	for _, step := range wf.Steps {
		se := exec.Steps[step.ID]
		if se.State != contracts.StepPending {
			continue
		}
		if !depsCompleted(exec, step.DependsOn) {
			continue
		}
		if step.Condition != nil {
			pass, err := e.evalCondition(step.Condition, exec.Context)
			if err != nil {
				return nil, 0, fmt.Errorf("choreo: condition on step %s: %w", step.ID, err)
			}
			if !pass {
				now := e.now().UTC()
				se.State = contracts.StepSkipped
				se.CompletedAt = &now
				e.log.Debug("step skipped by condition", "execution_id", executionID, "step_id", step.ID)
				continue
			}
		}
		ready = append(ready, step)
	}

	remaining := 0
	for _, se := range exec.Steps {
		if !se.State.Terminal() {
			remaining++
		}
	}
	return ready, remaining, nil
}

// ResolveInputs substitutes ${name} placeholders in a step's input mapping
// from the execution's variables and flattened step outputs.
func (e *Engine) ResolveInputs(executionID string, input map[string]any) (map[string]any, error) {
	entry, err := e.entry(executionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return substituteMap(input, entry.exec.Context), nil
}

func (e *Engine) entry(executionID string) (*executionEntry, error) {
	e.mu.RLock()
	entry, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("choreo: execution %q: %w", executionID, contracts.ErrNotFound)
	}
	return entry, nil
}

func depsCompleted(exec *contracts.WorkflowExecution, deps []string) bool {
	for _, dep := range deps {
		se, ok := exec.Steps[dep]
		if !ok || se.State != contracts.StepCompleted {
			return false
		}
	}
	return true
}

func validateWorkflow(wf *contracts.Workflow) error {
	if wf == nil || wf.ID == "" || wf.Name == "" || len(wf.Steps) == 0 {
		return fmt.Errorf("choreo: workflow requires id, name, and at least one step: %w", contracts.ErrInvalidArgument)
	}

	steps := make(map[string]contracts.Step, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.ID == "" || step.AgentID == "" || step.CapabilityID == "" {
			return fmt.Errorf("choreo: workflow %s: every step requires id, agent, and capability: %w", wf.ID, contracts.ErrInvalidArgument)
		}
		if _, dup := steps[step.ID]; dup {
			return fmt.Errorf("choreo: workflow %s: duplicate step id %q: %w", wf.ID, step.ID, contracts.ErrInvalidArgument)
		}
		steps[step.ID] = step
	}
	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("choreo: workflow %s: step %s depends on unknown step %q: %w", wf.ID, step.ID, dep, contracts.ErrInvalidArgument)
			}
		}
	}
	return checkAcyclic(wf.ID, steps)
}

// checkAcyclic runs a three-color DFS over the dependency graph; a back edge
// to a visiting node is a cycle.
func checkAcyclic(workflowID string, steps map[string]contracts.Step) error {
	colors := make(map[string]color, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case visiting:
			return fmt.Errorf("choreo: workflow %s: cycle through step %q: %w", workflowID, id, contracts.ErrCircularDependency)
		case visited:
			return nil
		}
		colors[id] = visiting
		for _, dep := range steps[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = visited
		return nil
	}

	for id := range steps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func cloneWorkflow(wf *contracts.Workflow) *contracts.Workflow {
	dup := *wf
	dup.Steps = append([]contracts.Step(nil), wf.Steps...)
	return &dup
}

func cloneExecution(exec *contracts.WorkflowExecution) *contracts.WorkflowExecution {
	dup := *exec
	dup.Steps = make(map[string]*contracts.StepExecution, len(exec.Steps))
	for id, se := range exec.Steps {
		s := *se
		dup.Steps[id] = &s
	}
	dup.StepOrder = append([]string(nil), exec.StepOrder...)
	dup.RollbackLog = append([]contracts.RollbackEntry(nil), exec.RollbackLog...)
	if exec.Context != nil {
		ctx := *exec.Context
		ctx.Variables = make(map[string]any, len(exec.Context.Variables))
		for k, v := range exec.Context.Variables {
			ctx.Variables[k] = v
		}
		ctx.StepOutputs = make(map[string]map[string]any, len(exec.Context.StepOutputs))
		for step, outputs := range exec.Context.StepOutputs {
			m := make(map[string]any, len(outputs))
			for k, v := range outputs {
				m[k] = v
			}
			ctx.StepOutputs[step] = m
		}
		dup.Context = &ctx
	}
	return &dup
}
