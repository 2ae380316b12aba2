package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

func TestLockoutCycle(t *testing.T) {
	m := New(Options{MaxFailedAttempts: 3, LockoutDuration: time.Minute, EnableMonitoring: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.RecordFailedAttempt(ctx, "u")
		require.NoError(t, err)
	}

	assert.True(t, m.IsLockedOut(ctx, "u"))

	// One critical unauthorized_access alert from the lock transition.
	var criticals int
	for _, a := range m.AlertsByKind(contracts.AlertUnauthorizedAccess) {
		if a.Severity == contracts.SeverityCritical {
			criticals++
		}
	}
	assert.Equal(t, 1, criticals)

	// After the lockout window, the user is clean and the counter reset.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, m.IsLockedOut(ctx, "u"))
	count, err := m.attempts.Count(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWarnedTransitionEmitsHighAlert(t *testing.T) {
	m := New(Options{MaxFailedAttempts: 3, LockoutDuration: time.Minute, EnableMonitoring: true})
	ctx := context.Background()

	_, err := m.RecordFailedAttempt(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, m.ActiveAlerts())

	_, err = m.RecordFailedAttempt(ctx, "u")
	require.NoError(t, err)

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, contracts.SeverityHigh, alerts[0].Severity)
	assert.False(t, m.IsLockedOut(ctx, "u"))
}

func TestClearFailedAttempts(t *testing.T) {
	m := New(Options{MaxFailedAttempts: 2, LockoutDuration: time.Hour, EnableMonitoring: true})
	ctx := context.Background()

	_, err := m.RecordFailedAttempt(ctx, "u")
	require.NoError(t, err)
	_, err = m.RecordFailedAttempt(ctx, "u")
	require.NoError(t, err)
	require.True(t, m.IsLockedOut(ctx, "u"))

	require.NoError(t, m.ClearFailedAttempts(ctx, "u"))
	assert.False(t, m.IsLockedOut(ctx, "u"))
}

func TestAcknowledge(t *testing.T) {
	m := New(Options{EnableMonitoring: true})

	alert := m.RecordAnomaly("unexpected handshake volume", map[string]any{"rate": 120})
	require.NotNil(t, alert)
	require.Len(t, m.ActiveAlerts(), 1)

	require.NoError(t, m.Acknowledge(alert.ID))
	assert.Empty(t, m.ActiveAlerts())
	assert.ErrorIs(t, m.Acknowledge("nope"), contracts.ErrNotFound)

	// Append-only: the alert is still counted.
	assert.Equal(t, 1, m.Metrics().TotalAlerts)
}

func TestMonitoringDisabled(t *testing.T) {
	m := New(Options{EnableMonitoring: false})

	assert.Nil(t, m.RecordPolicyViolation("denied", nil))
	assert.Zero(t, m.Metrics().TotalAlerts)
}

func TestMetricsSnapshot(t *testing.T) {
	m := New(Options{MaxFailedAttempts: 1, LockoutDuration: time.Hour, EnableMonitoring: true})
	ctx := context.Background()

	m.RecordInvalidSignature("bad sig from bridge", nil)
	m.RecordKeyCompromise("exported key seen in the wild", nil)
	_, err := m.RecordFailedAttempt(ctx, "u")
	require.NoError(t, err)

	snap := m.Metrics()
	assert.Equal(t, 3, snap.TotalAlerts)
	assert.Equal(t, 1, snap.AlertsByKind[contracts.AlertSignatureInvalid])
	assert.Equal(t, 1, snap.AlertsByKind[contracts.AlertKeyCompromise])
	assert.Equal(t, 1, snap.AlertsBySeverity[contracts.SeverityCritical])
	assert.Equal(t, 1, snap.LockedOutUsers)
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
	}))
	defer srv.Close()

	m := New(Options{EnableMonitoring: true, AlertWebhookURL: srv.URL, WebhookRPS: 100})
	m.RecordAnomaly("handshake volume spike", map[string]any{"source": "test"})

	select {
	case body := <-received:
		assert.Equal(t, "anomaly", body["type"])
		assert.Equal(t, "low", body["severity"])
		assert.Equal(t, "handshake volume spike", body["message"])
		assert.NotEmpty(t, body["id"])
		assert.NotEmpty(t, body["timestamp"])
		assert.Equal(t, false, body["acknowledged"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}

func TestWebhookBurstDeliversEveryAlert(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body["severity"].(string)
	}))
	defer srv.Close()

	m := New(Options{EnableMonitoring: true, AlertWebhookURL: srv.URL, WebhookRPS: 100})

	// A low-severity alert immediately before a critical one must not shadow
	// it; deliveries queue behind the limiter instead of dropping.
	m.RecordAnomaly("handshake volume spike", nil)
	m.RecordKeyCompromise("exported key seen in the wild", nil)
	m.RecordAnomaly("second spike", nil)

	got := make(map[string]int)
	for i := 0; i < 3; i++ {
		select {
		case sev := <-received:
			got[sev]++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 alerts delivered", i)
		}
	}
	assert.Equal(t, 1, got["critical"])
	assert.Equal(t, 2, got["low"])
}

func TestWebhookFailureDoesNotAbortRecording(t *testing.T) {
	m := New(Options{EnableMonitoring: true, AlertWebhookURL: "http://127.0.0.1:1/unreachable"})

	alert := m.RecordAnomaly("unreachable endpoint", nil)
	require.NotNil(t, alert)
	assert.Len(t, m.ActiveAlerts(), 1)
}

func TestMemoryAttemptStoreTTL(t *testing.T) {
	s := NewMemoryAttemptStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "u")
		require.NoError(t, err)
	}
	require.NoError(t, s.Expire(ctx, "u", time.Minute))

	count, err := s.Count(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	count, err = s.Count(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, count)
}
