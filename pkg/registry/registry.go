// Package registry is the in-memory agent registry: agents keyed by id, a
// capability index for dispatch lookups, and per-agent health. Capability
// input and output shapes are compiled as JSON Schemas at register time and
// enforced before invocation.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Query filters agents with intersection semantics: every provided field
// must match. CapabilityIDs and Tags match when the agent has any capability
// satisfying them.
type Query struct {
	Kinds         []contracts.AgentKind   `json:"kinds,omitempty"`
	Statuses      []contracts.AgentStatus `json:"statuses,omitempty"`
	CapabilityIDs []string                `json:"capability_ids,omitempty"`
	Tags          []string                `json:"tags,omitempty"`
}

// CapabilityMatch pairs an agent with one of its capabilities.
type CapabilityMatch struct {
	Agent      *contracts.Agent     `json:"agent"`
	Capability *contracts.Capability `json:"capability"`
}

type entry struct {
	agent   *contracts.Agent
	schemas map[string]*capabilitySchemas // capability id → compiled shapes
	health  *contracts.HealthRecord
}

type capabilitySchemas struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry holds the agent fleet.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	byCap   map[string]map[string]struct{} // capability id → agent ids
	log     *slog.Logger
	now     func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		byCap:  make(map[string]map[string]struct{}),
		log:    slog.Default().With("component", "registry"),
		now:    time.Now,
	}
}

// Register adds an agent. Capability shapes, when declared, must compile as
// JSON Schemas. Fails with ErrDuplicateID when the id is taken.
func (r *Registry) Register(agent *contracts.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("registry: agent id required: %w", contracts.ErrInvalidArgument)
	}

	schemas := make(map[string]*capabilitySchemas, len(agent.Capabilities))
	for _, cap := range agent.Capabilities {
		if cap.ID == "" {
			return fmt.Errorf("registry: agent %s declares a capability without an id: %w", agent.ID, contracts.ErrInvalidArgument)
		}
		cs := &capabilitySchemas{}
		var err error
		if cs.input, err = compileShape(cap.InputShape); err != nil {
			return fmt.Errorf("registry: capability %s input shape: %w", cap.ID, contracts.ErrInvalidArgument)
		}
		if cs.output, err = compileShape(cap.OutputShape); err != nil {
			return fmt.Errorf("registry: capability %s output shape: %w", cap.ID, contracts.ErrInvalidArgument)
		}
		schemas[cap.ID] = cs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("registry: agent %q: %w", agent.ID, contracts.ErrDuplicateID)
	}

	dup := cloneAgent(agent)
	if dup.Status == "" {
		dup.Status = contracts.StatusOnline
	}
	if dup.LastHeartbeat.IsZero() {
		dup.LastHeartbeat = r.now()
	}
	r.agents[agent.ID] = &entry{agent: dup, schemas: schemas}
	for _, cap := range dup.Capabilities {
		if r.byCap[cap.ID] == nil {
			r.byCap[cap.ID] = make(map[string]struct{})
		}
		r.byCap[cap.ID][agent.ID] = struct{}{}
	}
	r.log.Info("agent registered", "agent_id", agent.ID, "kind", agent.Kind, "capabilities", len(agent.Capabilities))
	return nil
}

// Deregister removes an agent and its capability index entries.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	for _, cap := range e.agent.Capabilities {
		delete(r.byCap[cap.ID], agentID)
		if len(r.byCap[cap.ID]) == 0 {
			delete(r.byCap, cap.ID)
		}
	}
	delete(r.agents, agentID)
	r.log.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(agentID string) (*contracts.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	return cloneAgent(e.agent), nil
}

// List returns every agent.
func (r *Registry) List() []*contracts.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*contracts.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, cloneAgent(e.agent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns agents matching every provided query field.
func (r *Registry) Find(q Query) []*contracts.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*contracts.Agent
	for _, e := range r.agents {
		if matches(e.agent, q) {
			out = append(out, cloneAgent(e.agent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus sets an agent's liveness status.
func (r *Registry) UpdateStatus(agentID string, status contracts.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	e.agent.Status = status
	return nil
}

// Heartbeat marks the agent online with a fresh heartbeat timestamp.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	e.agent.Status = contracts.StatusOnline
	e.agent.LastHeartbeat = r.now()
	return nil
}

// UpdateMetadata merges the given keys into the agent's metadata map.
func (r *Registry) UpdateMetadata(agentID string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	if e.agent.Metadata == nil {
		e.agent.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		e.agent.Metadata[k] = v
	}
	return nil
}

// RecordHealth stores the observation and coerces the agent's status:
// unhealthy → offline, degraded → degraded, healthy → online.
func (r *Registry) RecordHealth(rec *contracts.HealthRecord) error {
	if rec == nil || rec.AgentID == "" {
		return fmt.Errorf("registry: health record requires an agent id: %w", contracts.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[rec.AgentID]
	if !ok {
		return fmt.Errorf("registry: agent %q: %w", rec.AgentID, contracts.ErrNotFound)
	}

	dup := *rec
	if dup.ObservedAt.IsZero() {
		dup.ObservedAt = r.now()
	}
	e.health = &dup

	switch rec.Kind {
	case contracts.HealthUnhealthy:
		e.agent.Status = contracts.StatusOffline
	case contracts.HealthDegraded:
		e.agent.Status = contracts.StatusDegraded
	case contracts.HealthHealthy:
		e.agent.Status = contracts.StatusOnline
	default:
		return fmt.Errorf("registry: health kind %q: %w", rec.Kind, contracts.ErrInvalidArgument)
	}
	return nil
}

// Health returns the latest health observation for an agent, if any.
func (r *Registry) Health(agentID string) (*contracts.HealthRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	if e.health == nil {
		return nil, nil
	}
	dup := *e.health
	return &dup, nil
}

// FindByCapability returns agents holding the capability, newest declared
// version first. Deprecated capabilities are excluded unless
// includeDeprecated is set.
func (r *Registry) FindByCapability(capabilityID string, includeDeprecated bool) []CapabilityMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CapabilityMatch
	for agentID := range r.byCap[capabilityID] {
		e := r.agents[agentID]
		for i := range e.agent.Capabilities {
			cap := e.agent.Capabilities[i]
			if cap.ID != capabilityID {
				continue
			}
			if cap.Deprecated && !includeDeprecated {
				continue
			}
			out = append(out, CapabilityMatch{Agent: cloneAgent(e.agent), Capability: &cap})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i].Capability.Version)
		vj, ej := semver.NewVersion(out[j].Capability.Version)
		switch {
		case ei == nil && ej == nil:
			return vi.GreaterThan(vj)
		case ei == nil:
			return true
		case ej == nil:
			return false
		default:
			return out[i].Agent.ID < out[j].Agent.ID
		}
	})
	return out
}

// ValidateInput checks inputs against the capability's declared input shape.
// A shape violation is an ErrInvalidArgument; an undeclared shape passes.
func (r *Registry) ValidateInput(agentID, capabilityID string, inputs map[string]any) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("registry: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	cs, ok := e.schemas[capabilityID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: agent %s has no capability %q: %w", agentID, capabilityID, contracts.ErrNotFound)
	}
	if cs.input == nil {
		return nil
	}

	if err := cs.input.Validate(toJSONValue(inputs)); err != nil {
		return fmt.Errorf("registry: inputs for %s.%s: %v: %w", agentID, capabilityID, err, contracts.ErrInvalidArgument)
	}
	return nil
}

func matches(a *contracts.Agent, q Query) bool {
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, a.Kind) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, a.Status) {
		return false
	}
	if len(q.CapabilityIDs) > 0 {
		found := false
		for _, cap := range a.Capabilities {
			for _, want := range q.CapabilityIDs {
				if cap.ID == want {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Tags) > 0 {
		found := false
		for _, cap := range a.Capabilities {
			for _, tag := range cap.Tags {
				for _, want := range q.Tags {
					if tag == want {
						found = true
					}
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsKind(kinds []contracts.AgentKind, k contracts.AgentKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []contracts.AgentStatus, s contracts.AgentStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func compileShape(shape map[string]any) (*jsonschema.Schema, error) {
	if len(shape) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(shape)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("shape.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("shape.json")
}

// toJSONValue round-trips through encoding/json so the validator sees the
// generic types it expects (float64 numbers, map[string]any).
func toJSONValue(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func cloneAgent(a *contracts.Agent) *contracts.Agent {
	dup := *a
	dup.Capabilities = append([]contracts.Capability(nil), a.Capabilities...)
	if a.Metadata != nil {
		dup.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
