package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

func openMemoryMirror(t *testing.T) *SQLiteMirror {
	t.Helper()
	m, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSQLiteAgentRoundTrip(t *testing.T) {
	m := openMemoryMirror(t)
	ctx := context.Background()

	agent := &contracts.Agent{ID: "a1", Kind: contracts.AgentGuardian, Status: contracts.StatusOnline}
	payload, err := json.Marshal(agent)
	require.NoError(t, err)

	require.NoError(t, m.SaveAgent(ctx, AgentRecord{AgentID: "a1", Kind: string(agent.Kind), Payload: payload}))

	records, err := m.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var restored contracts.Agent
	require.NoError(t, json.Unmarshal(records[0].Payload, &restored))
	assert.Equal(t, "a1", restored.ID)
	assert.Equal(t, contracts.AgentGuardian, restored.Kind)
}

func TestSQLiteUpsertReplaces(t *testing.T) {
	m := openMemoryMirror(t)
	ctx := context.Background()

	require.NoError(t, m.SaveAgent(ctx, AgentRecord{AgentID: "a1", Kind: "bridge", Payload: []byte(`{"v":1}`)}))
	require.NoError(t, m.SaveAgent(ctx, AgentRecord{AgentID: "a1", Kind: "bridge", Payload: []byte(`{"v":2}`)}))

	records, err := m.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"v":2}`, string(records[0].Payload))
}

func TestSQLiteDeleteAgent(t *testing.T) {
	m := openMemoryMirror(t)
	ctx := context.Background()

	require.NoError(t, m.SaveAgent(ctx, AgentRecord{AgentID: "a1", Payload: []byte(`{}`)}))
	require.NoError(t, m.DeleteAgent(ctx, "a1"))
	// Deleting a missing row is not an error.
	require.NoError(t, m.DeleteAgent(ctx, "a1"))

	records, err := m.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteExecutionsAndAlerts(t *testing.T) {
	m := openMemoryMirror(t)
	ctx := context.Background()

	require.NoError(t, m.SaveExecution(ctx, ExecutionRecord{
		ExecutionID: "e1", WorkflowID: "w1", State: "completed", Payload: []byte(`{"id":"e1"}`),
	}))
	// Terminal-state overwrite keeps one row.
	require.NoError(t, m.SaveExecution(ctx, ExecutionRecord{
		ExecutionID: "e1", WorkflowID: "w1", State: "failed", Payload: []byte(`{"id":"e1","state":"failed"}`),
	}))

	require.NoError(t, m.SaveAlert(ctx, AlertRecord{
		AlertID: "al1", Kind: "policy_violation", Severity: "medium", Payload: []byte(`{"id":"al1"}`),
	}))
	require.NoError(t, m.SaveAlert(ctx, AlertRecord{
		AlertID: "al2", Kind: "anomaly", Severity: "low", Payload: []byte(`{"id":"al2"}`),
	}))

	alerts, err := m.LoadAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	capped, err := m.LoadAlerts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}
