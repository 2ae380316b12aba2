// Package maestro composes the orchestration subsystems: agent registry,
// event bus, choreography engine, and workflow executor. It owns the
// capability-dispatch table and enforces the concurrent-workflow capacity
// limit.
package maestro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Veridian-Labs/veridian/core/pkg/choreo"
	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/eventbus"
	"github.com/Veridian-Labs/veridian/core/pkg/executor"
	"github.com/Veridian-Labs/veridian/core/pkg/registry"
)

// CapabilityHandler executes one capability invocation.
type CapabilityHandler func(agentID string, inputs map[string]any) (map[string]any, error)

// Options configures a Maestro.
type Options struct {
	// MaxConcurrentWorkflows caps simultaneously running executions;
	// over-capacity calls reject with ErrCapacityExceeded. Zero means 100.
	MaxConcurrentWorkflows int
	Executor               executor.Options
	Bus                    eventbus.Options
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentWorkflows: 100,
		Executor:               executor.DefaultOptions(),
	}
}

// Maestro is the orchestration facade.
type Maestro struct {
	registry *registry.Registry
	bus      *eventbus.Bus
	engine   *choreo.Engine
	exec     *executor.Executor

	mu       sync.Mutex
	handlers map[string]CapabilityHandler
	cancels  map[string]context.CancelFunc
	active   int

	opts Options
	log  *slog.Logger
}

// New wires a Maestro with fresh subsystems.
func New(opts Options) (*Maestro, error) {
	if opts.MaxConcurrentWorkflows <= 0 {
		opts.MaxConcurrentWorkflows = DefaultOptions().MaxConcurrentWorkflows
	}

	m := &Maestro{
		registry: registry.New(),
		bus:      eventbus.New(opts.Bus),
		engine:   choreo.New(),
		handlers: make(map[string]CapabilityHandler),
		cancels:  make(map[string]context.CancelFunc),
		opts:     opts,
		log:      slog.Default().With("component", "maestro"),
	}

	exec, err := executor.New(m.engine, m.bus, contracts.InvokerFunc(m.invoke), tolerantValidator{m.registry}, opts.Executor)
	if err != nil {
		return nil, err
	}
	m.exec = exec
	return m, nil
}

// Registry exposes the agent registry.
func (m *Maestro) Registry() *registry.Registry { return m.registry }

// Bus exposes the event bus.
func (m *Maestro) Bus() *eventbus.Bus { return m.bus }

// Engine exposes the choreography engine.
func (m *Maestro) Engine() *choreo.Engine { return m.engine }

// RegisterAgent adds an agent to the registry and announces it on the bus.
func (m *Maestro) RegisterAgent(agent *contracts.Agent) error {
	if err := m.registry.Register(agent); err != nil {
		return err
	}
	m.publish(contracts.Event{
		Type:        contracts.EventAgentRegistered,
		SourceAgent: agent.ID,
		Payload:     map[string]any{"kind": string(agent.Kind), "capabilities": len(agent.Capabilities)},
	})
	return nil
}

// DeregisterAgent removes an agent and announces the departure.
func (m *Maestro) DeregisterAgent(agentID string) error {
	if err := m.registry.Deregister(agentID); err != nil {
		return err
	}
	m.publish(contracts.Event{Type: contracts.EventAgentDeregistered, SourceAgent: agentID})
	return nil
}

// RegisterHandler binds a capability id to its handler. Registered at
// startup; the executor dispatches through this table only.
func (m *Maestro) RegisterHandler(capabilityID string, handler CapabilityHandler) error {
	if capabilityID == "" || handler == nil {
		return fmt.Errorf("maestro: capability id and handler required: %w", contracts.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[capabilityID] = handler
	return nil
}

// DefineWorkflow validates and stores a workflow definition.
func (m *Maestro) DefineWorkflow(wf *contracts.Workflow) error {
	if err := m.engine.DefineWorkflow(wf); err != nil {
		return err
	}
	m.publish(contracts.Event{
		Type:        contracts.EventWorkflowCreated,
		SourceAgent: "maestro",
		WorkflowID:  wf.ID,
		Payload:     map[string]any{"steps": len(wf.Steps)},
	})
	return nil
}

// ExecuteWorkflow creates an execution and drives it to a terminal state,
// returning the final record. Rejects with ErrCapacityExceeded when the
// concurrency limit is reached.
func (m *Maestro) ExecuteWorkflow(ctx context.Context, workflowID string, opts choreo.ExecutionOptions) (*contracts.WorkflowExecution, error) {
	m.mu.Lock()
	if m.active >= m.opts.MaxConcurrentWorkflows {
		m.mu.Unlock()
		return nil, fmt.Errorf("maestro: %d executions running: %w", m.active, contracts.ErrCapacityExceeded)
	}
	m.active++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	exec, err := m.engine.CreateExecution(workflowID, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[exec.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, exec.ID)
		m.mu.Unlock()
	}()

	if err := m.exec.Run(runCtx, exec.ID); err != nil {
		m.log.Warn("execution failed", "execution_id", exec.ID, "workflow_id", workflowID, "error", err)
	}
	return m.engine.GetExecution(exec.ID)
}

// GetExecution returns a copy of the execution record.
func (m *Maestro) GetExecution(executionID string) (*contracts.WorkflowExecution, error) {
	return m.engine.GetExecution(executionID)
}

// CancelExecution cancels a running execution cooperatively.
func (m *Maestro) CancelExecution(executionID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[executionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("maestro: no running execution %q: %w", executionID, contracts.ErrNotFound)
	}
	cancel()
	return nil
}

// Close shuts down the event bus.
func (m *Maestro) Close() {
	m.bus.Close()
}

// invoke is the single capability-dispatch function consumed by the
// executor. A missing handler is a permanent failure.
func (m *Maestro) invoke(agentID, capabilityID string, inputs map[string]any) (map[string]any, error) {
	m.mu.Lock()
	handler, ok := m.handlers[capabilityID]
	m.mu.Unlock()
	if !ok {
		return nil, contracts.Permanent(fmt.Errorf("no handler for capability %q", capabilityID))
	}
	return handler(agentID, inputs)
}

// tolerantValidator enforces capability input shapes but tolerates agents
// that are absent from the registry: agent ids are weak references, and a
// step may target an agent registered elsewhere.
type tolerantValidator struct {
	registry *registry.Registry
}

func (v tolerantValidator) ValidateInput(agentID, capabilityID string, inputs map[string]any) error {
	err := v.registry.ValidateInput(agentID, capabilityID, inputs)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Maestro) publish(event contracts.Event) {
	if err := m.bus.Publish(event); err != nil {
		m.log.Warn("event publish failed", "type", event.Type, "error", err)
	}
}
