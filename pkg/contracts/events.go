package contracts

import "time"

// EventType is drawn from a fixed closed set. Publishing an unknown type is
// a programmer error surfaced as ErrInvalidArgument by the bus.
type EventType string

const (
	EventAgentRegistered   EventType = "agent:registered"
	EventAgentDeregistered EventType = "agent:deregistered"
	EventAgentHealth       EventType = "agent:health"
	EventAgentEvent        EventType = "agent:event"
	EventAgentAlert        EventType = "agent:alert"

	EventWorkflowCreated       EventType = "workflow:created"
	EventWorkflowStarted       EventType = "workflow:started"
	EventWorkflowStepCompleted EventType = "workflow:step_completed"
	EventWorkflowStepFailed    EventType = "workflow:step_failed"
	EventWorkflowCompleted     EventType = "workflow:completed"
	EventWorkflowFailed        EventType = "workflow:failed"
	EventWorkflowPaused        EventType = "workflow:paused"
	EventWorkflowResumed       EventType = "workflow:resumed"

	EventChoreographySync EventType = "choreography:sync"
)

// KnownEventTypes is the closed set accepted by the bus.
var KnownEventTypes = map[EventType]struct{}{
	EventAgentRegistered:       {},
	EventAgentDeregistered:     {},
	EventAgentHealth:           {},
	EventAgentEvent:            {},
	EventAgentAlert:            {},
	EventWorkflowCreated:       {},
	EventWorkflowStarted:       {},
	EventWorkflowStepCompleted: {},
	EventWorkflowStepFailed:    {},
	EventWorkflowCompleted:     {},
	EventWorkflowFailed:        {},
	EventWorkflowPaused:        {},
	EventWorkflowResumed:       {},
	EventChoreographySync:      {},
}

// Event is the unit of in-process pub/sub traffic.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	SourceAgent   string            `json:"source_agent"`
	TargetAgent   string            `json:"target_agent,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	ExecutionID   string            `json:"execution_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
