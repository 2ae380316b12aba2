package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteMirror persists to a local SQLite file (or :memory:).
type SQLiteMirror struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite mirror at path.
func OpenSQLite(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}
	m := &SQLiteMirror{db: db}
	if err := m.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQLiteMirror wraps an existing handle, running migrations.
func NewSQLiteMirror(db *sql.DB) (*SQLiteMirror, error) {
	m := &SQLiteMirror{db: db}
	if err := m.migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMirror) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		kind TEXT,
		payload JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		workflow_id TEXT,
		state TEXT,
		payload JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		kind TEXT,
		severity TEXT,
		payload JSON NOT NULL
	);`
	if _, err := m.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: sqlite migration: %w", err)
	}
	return nil
}

func (m *SQLiteMirror) SaveAgent(ctx context.Context, r AgentRecord) error {
	query := `INSERT INTO agents (agent_id, kind, payload) VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET kind = excluded.kind, payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.AgentID, r.Kind, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving agent %s: %w", r.AgentID, err)
	}
	return nil
}

func (m *SQLiteMirror) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("store: deleting agent %s: %w", agentID, err)
	}
	return nil
}

func (m *SQLiteMirror) SaveExecution(ctx context.Context, r ExecutionRecord) error {
	query := `INSERT INTO executions (execution_id, workflow_id, state, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET state = excluded.state, payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.ExecutionID, r.WorkflowID, r.State, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving execution %s: %w", r.ExecutionID, err)
	}
	return nil
}

func (m *SQLiteMirror) SaveAlert(ctx context.Context, r AlertRecord) error {
	query := `INSERT INTO alerts (alert_id, kind, severity, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (alert_id) DO UPDATE SET payload = excluded.payload`
	if _, err := m.db.ExecContext(ctx, query, r.AlertID, r.Kind, r.Severity, string(r.Payload)); err != nil {
		return fmt.Errorf("store: saving alert %s: %w", r.AlertID, err)
	}
	return nil
}

func (m *SQLiteMirror) LoadAgents(ctx context.Context) ([]AgentRecord, error) {
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

func (m *SQLiteMirror) LoadAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT alert_id, kind, severity, payload FROM alerts LIMIT ?`, limit)
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

func (m *SQLiteMirror) Close() error { return m.db.Close() }
