// Package store provides optional write-through persistence for the
// in-memory core: agents, terminal workflow executions, and security alerts
// are mirrored to SQL so a restarted node can restore its registry and
// alert history. The core never reads through a mirror at runtime.
package store

import (
	"context"
)

// Mirror is the persistence contract. All methods are nil-safe at the call
// sites: components hold a Mirror only when one was wired.
type Mirror interface {
	SaveAgent(ctx context.Context, record AgentRecord) error
	DeleteAgent(ctx context.Context, agentID string) error
	SaveExecution(ctx context.Context, record ExecutionRecord) error
	SaveAlert(ctx context.Context, record AlertRecord) error
	LoadAgents(ctx context.Context) ([]AgentRecord, error)
	LoadAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	Close() error
}

// AgentRecord is a mirrored agent row. Payload is the full JSON document;
// the indexed columns exist for ad-hoc SQL inspection only.
type AgentRecord struct {
	AgentID string
	Kind    string
	Payload []byte
}

// ExecutionRecord is a mirrored terminal execution row.
type ExecutionRecord struct {
	ExecutionID string
	WorkflowID  string
	State       string
	Payload     []byte
}

// AlertRecord is a mirrored security alert row.
type AlertRecord struct {
	AlertID  string
	Kind     string
	Severity string
	Payload  []byte
}
