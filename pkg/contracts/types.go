// Package contracts defines the shared data model for the Veridian core:
// agents, capabilities, workflows, executions, policy rules, keys, sessions,
// conversation contexts, and alerts. Components exchange ids, not object
// references; every collection is flat and keyed by id.
package contracts

import "time"

// AgentKind enumerates the specialized agent roles in the fleet.
type AgentKind string

const (
	AgentGuardian     AgentKind = "guardian"
	AgentBridge       AgentKind = "bridge"
	AgentSovereign    AgentKind = "sovereign"
	AgentPrism        AgentKind = "prism"
	AgentAtlas        AgentKind = "atlas"
	AgentOrchestrator AgentKind = "orchestrator"
	AgentWeaver       AgentKind = "weaver"
)

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	StatusOnline   AgentStatus = "online"
	StatusDegraded AgentStatus = "degraded"
	StatusOffline  AgentStatus = "offline"
)

// Capability is a named operation an agent can perform. InputShape and
// OutputShape, when present, are JSON Schema documents.
type Capability struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	InputShape  map[string]any `json:"input_shape,omitempty"`
	OutputShape map[string]any `json:"output_shape,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Deprecated  bool           `json:"deprecated,omitempty"`
}

// Agent is an addressable participant with an identity, public key, and
// declared capabilities. Capabilities live inside their agent; everything
// else refers to agents by id.
type Agent struct {
	ID            string            `json:"id"`
	Kind          AgentKind         `json:"kind"`
	PublicKey     string            `json:"public_key,omitempty"`
	Capabilities  []Capability      `json:"capabilities,omitempty"`
	Status        AgentStatus       `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HealthKind classifies a health report for an agent.
type HealthKind string

const (
	HealthHealthy   HealthKind = "healthy"
	HealthDegraded  HealthKind = "degraded"
	HealthUnhealthy HealthKind = "unhealthy"
)

// HealthRecord is one observation of an agent's health.
type HealthRecord struct {
	AgentID    string         `json:"agent_id"`
	Kind       HealthKind     `json:"kind"`
	Detail     string         `json:"detail,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// OnErrorPolicy controls how a workflow reacts to a failed step.
type OnErrorPolicy string

const (
	OnErrorStop     OnErrorPolicy = "stop"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorRollback OnErrorPolicy = "rollback"
)

// RetryPolicy configures exponential backoff for a step.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
}

// ErrorHandlerKind selects the recovery strategy after retries are exhausted.
type ErrorHandlerKind string

const (
	HandlerRetry    ErrorHandlerKind = "retry"
	HandlerSkip     ErrorHandlerKind = "skip"
	HandlerCallback ErrorHandlerKind = "callback"
	HandlerFallback ErrorHandlerKind = "fallback"
)

// ErrorHandler describes what to do when a step fails after retries.
type ErrorHandler struct {
	Kind   ErrorHandlerKind `json:"kind"`
	Action string           `json:"action,omitempty"` // fallback step id or callback name
	Params map[string]any   `json:"params,omitempty"`
}

// ConditionOperator is the comparison operator of a typed execution condition.
type ConditionOperator string

const (
	OpEq    ConditionOperator = "eq"
	OpNeq   ConditionOperator = "neq"
	OpGt    ConditionOperator = "gt"
	OpGte   ConditionOperator = "gte"
	OpLt    ConditionOperator = "lt"
	OpLte   ConditionOperator = "lte"
	OpIn    ConditionOperator = "in"
	OpNotIn ConditionOperator = "not_in"
)

// ExecutionCondition gates a step. Either a typed comparison against an
// execution variable or a sandboxed CEL expression; when both are set the
// expression wins.
type ExecutionCondition struct {
	Variable   string            `json:"variable,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// Step binds one capability invocation into a workflow. Input values that
// are exactly "${name}" are resolved from execution variables or prior step
// outputs at execution time.
type Step struct {
	ID           string              `json:"id"`
	AgentID      string              `json:"agent_id"`
	CapabilityID string              `json:"capability_id"`
	Input        map[string]any      `json:"input,omitempty"`
	DependsOn    []string            `json:"depends_on,omitempty"`
	Retry        *RetryPolicy        `json:"retry,omitempty"`
	Timeout      time.Duration       `json:"timeout,omitempty"`
	OnError      *ErrorHandler       `json:"on_error,omitempty"`
	Condition    *ExecutionCondition `json:"condition,omitempty"`
}

// Workflow is an acyclic plan of steps. Immutable after definition except
// via explicit update, which re-validates.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Steps         []Step         `json:"steps"`
	InitialInputs map[string]any `json:"initial_inputs,omitempty"`
	OutputShape   map[string]any `json:"output_shape,omitempty"`
	MaxDuration   time.Duration  `json:"max_duration,omitempty"`
	OnError       OnErrorPolicy  `json:"on_error,omitempty"`
}

// ExecutionState is the lifecycle state of a workflow execution.
type ExecutionState string

const (
	ExecPending    ExecutionState = "pending"
	ExecRunning    ExecutionState = "running"
	ExecPaused     ExecutionState = "paused"
	ExecCompleted  ExecutionState = "completed"
	ExecFailed     ExecutionState = "failed"
	ExecRolledBack ExecutionState = "rolled_back"
)

// Terminal reports whether the state permits no further transitions.
func (s ExecutionState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecRolledBack
}

// StepState is the lifecycle state of one step execution.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the step state permits no further transitions.
func (s StepState) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepExecution records one step's progress within an execution.
type StepExecution struct {
	StepID      string         `json:"step_id"`
	State       StepState      `json:"state"`
	RetryCount  int            `json:"retry_count"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ExecutionContext carries the mutable data of a run: variables, per-step
// outputs, and correlation metadata.
type ExecutionContext struct {
	Variables         map[string]any            `json:"variables"`
	StepOutputs       map[string]map[string]any `json:"step_outputs"`
	CorrelationID     string                    `json:"correlation_id"`
	ParentExecutionID string                    `json:"parent_execution_id,omitempty"`
}

// RollbackEntry records one compensating invocation performed during rollback.
type RollbackEntry struct {
	StepID             string         `json:"step_id"`
	RollbackCapability string         `json:"rollback_capability"`
	Inputs             map[string]any `json:"inputs,omitempty"`
	Status             string         `json:"status"` // executed | failed
	Error              string         `json:"error,omitempty"`
}

// WorkflowExecution is one concrete run of a workflow.
type WorkflowExecution struct {
	ID          string                    `json:"id"`
	WorkflowID  string                    `json:"workflow_id"`
	State       ExecutionState            `json:"state"`
	Steps       map[string]*StepExecution `json:"steps"`
	StepOrder   []string                  `json:"step_order"` // insertion order, drives rollback
	Context     *ExecutionContext         `json:"context"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Error       string                    `json:"error,omitempty"`
	RollbackLog []RollbackEntry           `json:"rollback_log,omitempty"`
}

// PolicyEffect is the outcome a rule contributes.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyRule matches principal and resource patterns ("*" wildcards) and an
// optional condition map with $eq/$ne/$gt/$gte/$lt/$lte/$in/$nin operators
// over dotted attribute paths.
type PolicyRule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Principal  string         `json:"principal"`
	Resource   string         `json:"resource"`
	Effect     PolicyEffect   `json:"effect"`
	Conditions map[string]any `json:"conditions,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// KeyAlgorithm names a signature algorithm family.
type KeyAlgorithm string

const (
	AlgEd25519   KeyAlgorithm = "ed25519"
	AlgSecp256k1 KeyAlgorithm = "ecdsa-secp256k1"
)

// Key is a managed keypair. Private material is present only inside the
// keystore; it never crosses a public facade except via encrypted export.
type Key struct {
	ID         string       `json:"id"`
	Algorithm  KeyAlgorithm `json:"algorithm"`
	Curve      string       `json:"curve,omitempty"`
	PublicKey  string       `json:"public_key"`            // hex
	PrivateKey string       `json:"private_key,omitempty"` // hex, secure holding only
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Revoked    bool         `json:"revoked,omitempty"`
}

// Usable reports whether the key may be handed to callers at the given
// instant: not revoked and not expired. Expiry is a computed condition,
// not a state.
func (k *Key) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Session is an authenticated channel between two agents established by
// handshake and bounded by TTL.
type Session struct {
	ID           string            `json:"id"`
	InitiatorID  string            `json:"initiator_id"`
	TargetID     string            `json:"target_id"`
	SharedSecret string            `json:"shared_secret,omitempty"` // hex
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ValidFor reports whether the session is unexpired and the caller is one
// of its two participants.
func (s *Session) ValidFor(caller string, now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return false
	}
	return caller == s.InitiatorID || caller == s.TargetID
}

// EmotionalState is a participant's latest declared affect snapshot.
type EmotionalState struct {
	Primary   string    `json:"primary"`
	Intensity float64   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationMessage is one message retained in a conversation context.
type ConversationMessage struct {
	ID             string          `json:"id"`
	FromAgentID    string          `json:"from_agent_id"`
	ToAgentID      string          `json:"to_agent_id,omitempty"`
	Content        string          `json:"content"`
	Payload        map[string]any  `json:"payload,omitempty"`
	EmotionalState *EmotionalState `json:"emotional_state,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ConversationContext is the per-session record of exchanged messages,
// shared state, and emotional-state snapshots. The message history is a
// bounded FIFO; the oldest entries are dropped on overflow.
type ConversationContext struct {
	SessionID       string                     `json:"session_id"`
	Participants    []string                   `json:"participants"`
	MessageHistory  []ConversationMessage      `json:"message_history"`
	SharedContext   map[string]any             `json:"shared_context,omitempty"`
	EmotionalStates map[string]*EmotionalState `json:"emotional_states,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	LastUpdatedAt   time.Time                  `json:"last_updated_at"`
}

// AlertKind classifies a security alert.
type AlertKind string

const (
	AlertUnauthorizedAccess AlertKind = "unauthorized_access"
	AlertKeyCompromise      AlertKind = "key_compromise"
	AlertPolicyViolation    AlertKind = "policy_violation"
	AlertSignatureInvalid   AlertKind = "signature_invalid"
	AlertAnomaly            AlertKind = "anomaly"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an append-only security event; Acknowledged is its only mutable
// field.
type Alert struct {
	ID           string         `json:"id"`
	Kind         AlertKind      `json:"type"`
	Severity     AlertSeverity  `json:"severity"`
	Message      string         `json:"message"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    time.Time      `json:"timestamp"`
	Acknowledged bool           `json:"acknowledged"`
}
