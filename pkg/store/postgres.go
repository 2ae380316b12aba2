package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresMirror persists to PostgreSQL. Schema matches the SQLite mirror.
type PostgresMirror struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	m := &PostgresMirror{db: db}
	if err := m.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// NewPostgresMirror wraps an existing handle without migrating; callers
// manage the schema (used by tests with a mocked driver).
func NewPostgresMirror(db *sql.DB) *PostgresMirror {
	return &PostgresMirror{db: db}
}

func (m *PostgresMirror) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		kind TEXT,
		payload JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		workflow_id TEXT,
		state TEXT,
		payload JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		kind TEXT,
		severity TEXT,
		payload JSONB NOT NULL
	);`
	if _, err := m.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: postgres migration: %w", err)
	}
	return nil
}

func (m *PostgresMirror) SaveAgent(ctx context.Context, r AgentRecord) error {
	query := `INSERT INTO agents (agent_id, kind, payload) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET kind = excluded.kind, payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.AgentID, r.Kind, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving agent %s: %w", r.AgentID, err)
	}
	return nil
}

func (m *PostgresMirror) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("store: deleting agent %s: %w", agentID, err)
	}
	return nil
}

func (m *PostgresMirror) SaveExecution(ctx context.Context, r ExecutionRecord) error {
	query := `INSERT INTO executions (execution_id, workflow_id, state, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id) DO UPDATE SET state = excluded.state, payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.ExecutionID, r.WorkflowID, r.State, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving execution %s: %w", r.ExecutionID, err)
	}
	return nil
}

func (m *PostgresMirror) SaveAlert(ctx context.Context, r AlertRecord) error {
	query := `INSERT INTO alerts (alert_id, kind, severity, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (alert_id) DO UPDATE SET payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.AlertID, r.Kind, r.Severity, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving alert %s: %w", r.AlertID, err)
	}
	return nil
}

func (m *PostgresMirror) LoadAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT agent_id, kind, payload FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("store: loading agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AgentRecord
	for rows.Next() {
		var r AgentRecord
		var payload string
		if err := rows.Scan(&r.AgentID, &r.Kind, &payload); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (m *PostgresMirror) LoadAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT alert_id, kind, severity, payload FROM alerts LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: loading alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AlertRecord
	for rows.Next() {
		var r AlertRecord
		var payload string
		if err := rows.Scan(&r.AlertID, &r.Kind, &r.Severity, &payload); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (m *PostgresMirror) Close() error { return m.db.Close() }

var (
	_ Mirror = (*SQLiteMirror)(nil)
	_ Mirror = (*PostgresMirror)(nil)
)
