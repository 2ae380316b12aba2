// Package monitor tracks failed authentication attempts, enforces per-user
// lockouts, and records security alerts. Alert delivery to a webhook runs
// detached so callers never block on the network.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Options configures a Monitor.
type Options struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	EnableMonitoring  bool
	AlertWebhookURL   string
	// WebhookRPS bounds webhook POSTs per second. Zero means 1/s.
	WebhookRPS float64
	// Attempts overrides the default in-memory attempt store.
	Attempts AttemptStore
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
		EnableMonitoring:  true,
		WebhookRPS:        1,
	}
}

// Metrics is a point-in-time snapshot of monitor state.
type Metrics struct {
	TotalAlerts      int                             `json:"total_alerts"`
	ActiveAlerts     int                             `json:"active_alerts"`
	AlertsByKind     map[contracts.AlertKind]int     `json:"alerts_by_kind"`
	AlertsBySeverity map[contracts.AlertSeverity]int `json:"alerts_by_severity"`
	LockedOutUsers   int                             `json:"locked_out_users"`
}

// Monitor is the security monitor. The lockout machine per user is
// clean → warned (max−1 attempts) → locked (max attempts) → clean after
// LockoutDuration; expiry is checked lazily on IsLockedOut.
type Monitor struct {
	mu       sync.RWMutex
	alerts   []*contracts.Alert
	lockouts map[string]time.Time

	opts     Options
	attempts AttemptStore
	limiter  *rate.Limiter
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	def := DefaultOptions()
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = def.LockoutDuration
	}
	if opts.WebhookRPS <= 0 {
		opts.WebhookRPS = def.WebhookRPS
	}
	attempts := opts.Attempts
	if attempts == nil {
		attempts = NewMemoryAttemptStore()
	}
	return &Monitor{
		lockouts: make(map[string]time.Time),
		opts:     opts,
		attempts: attempts,
		limiter:  rate.NewLimiter(rate.Limit(opts.WebhookRPS), 1),
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      slog.Default().With("component", "monitor"),
		now:      time.Now,
	}
}

// RecordFailedAttempt bumps the user's failure counter and advances the
// lockout machine. Returns the new attempt count.
func (m *Monitor) RecordFailedAttempt(ctx context.Context, userID string) (int, error) {
	count, err := m.attempts.Increment(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("monitor: record attempt for %s: %w", userID, err)
	}

	switch {
	case count == m.opts.MaxFailedAttempts-1:
		m.record(contracts.AlertUnauthorizedAccess, contracts.SeverityHigh,
			fmt.Sprintf("user %s one attempt from lockout", userID),
			map[string]any{"user_id": userID, "attempts": count})
	case count >= m.opts.MaxFailedAttempts:
		until := m.now().Add(m.opts.LockoutDuration)
		m.mu.Lock()
		m.lockouts[userID] = until
		m.mu.Unlock()
		if err := m.attempts.Expire(ctx, userID, m.opts.LockoutDuration); err != nil {
			m.log.Warn("arming attempt expiry failed", "user_id", userID, "error", err)
		}
		m.record(contracts.AlertUnauthorizedAccess, contracts.SeverityCritical,
			fmt.Sprintf("user %s locked out", userID),
			map[string]any{"user_id": userID, "attempts": count, "locked_until": until})
	}
	return count, nil
}

// ClearFailedAttempts returns the user to the clean state.
func (m *Monitor) ClearFailedAttempts(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.lockouts, userID)
	m.mu.Unlock()

	if err := m.attempts.Clear(ctx, userID); err != nil {
		return fmt.Errorf("monitor: clear attempts for %s: %w", userID, err)
	}
	return nil
}

// IsLockedOut reports whether the user is currently locked out. An elapsed
// lockout resets the machine on this call.
func (m *Monitor) IsLockedOut(ctx context.Context, userID string) bool {
	m.mu.RLock()
	until, locked := m.lockouts[userID]
	m.mu.RUnlock()
	if !locked {
		return false
	}

	if m.now().Before(until) {
		return true
	}

	// Lockout elapsed: reset lazily.
	m.mu.Lock()
	delete(m.lockouts, userID)
	m.mu.Unlock()
	if err := m.attempts.Clear(ctx, userID); err != nil {
		m.log.Warn("resetting expired lockout failed", "user_id", userID, "error", err)
	}
	return false
}

// RecordUnauthorizedAccess records a medium-severity unauthorized access alert.
func (m *Monitor) RecordUnauthorizedAccess(detail string, attrs map[string]any) *contracts.Alert {
	return m.record(contracts.AlertUnauthorizedAccess, contracts.SeverityMedium, detail, attrs)
}

// RecordPolicyViolation records a policy violation alert.
func (m *Monitor) RecordPolicyViolation(detail string, attrs map[string]any) *contracts.Alert {
	return m.record(contracts.AlertPolicyViolation, contracts.SeverityMedium, detail, attrs)
}

// RecordKeyCompromise records a critical key compromise alert.
func (m *Monitor) RecordKeyCompromise(detail string, attrs map[string]any) *contracts.Alert {
	return m.record(contracts.AlertKeyCompromise, contracts.SeverityCritical, detail, attrs)
}

// RecordInvalidSignature records a signature verification failure alert.
func (m *Monitor) RecordInvalidSignature(detail string, attrs map[string]any) *contracts.Alert {
	return m.record(contracts.AlertSignatureInvalid, contracts.SeverityHigh, detail, attrs)
}

// RecordAnomaly records a low-severity anomaly alert.
func (m *Monitor) RecordAnomaly(detail string, attrs map[string]any) *contracts.Alert {
	return m.record(contracts.AlertAnomaly, contracts.SeverityLow, detail, attrs)
}

// ActiveAlerts returns unacknowledged alerts, newest last.
func (m *Monitor) ActiveAlerts() []*contracts.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Alert
	for _, a := range m.alerts {
		if !a.Acknowledged {
			dup := *a
			out = append(out, &dup)
		}
	}
	return out
}

// AlertsByKind returns every alert of the given kind.
func (m *Monitor) AlertsByKind(kind contracts.AlertKind) []*contracts.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Alert
	for _, a := range m.alerts {
		if a.Kind == kind {
			dup := *a
			out = append(out, &dup)
		}
	}
	return out
}

// Acknowledge marks an alert handled.
func (m *Monitor) Acknowledge(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("monitor: alert %q: %w", alertID, contracts.ErrNotFound)
}

// Metrics returns a snapshot of alert and lockout counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Metrics{
		TotalAlerts:      len(m.alerts),
		AlertsByKind:     make(map[contracts.AlertKind]int),
		AlertsBySeverity: make(map[contracts.AlertSeverity]int),
	}
	for _, a := range m.alerts {
		snap.AlertsByKind[a.Kind]++
		snap.AlertsBySeverity[a.Severity]++
		if !a.Acknowledged {
			snap.ActiveAlerts++
		}
	}
	now := m.now()
	for _, until := range m.lockouts {
		if now.Before(until) {
			snap.LockedOutUsers++
		}
	}
	return snap
}

func (m *Monitor) record(kind contracts.AlertKind, severity contracts.AlertSeverity, message string, attrs map[string]any) *contracts.Alert {
	if !m.opts.EnableMonitoring {
		return nil
	}

	alert := &contracts.Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Context:   attrs,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.log.Warn("security alert",
		"alert_id", alert.ID, "kind", kind, "severity", severity, "message", message)

	if m.opts.AlertWebhookURL != "" {
		go m.deliver(*alert)
	}
	return alert
}

// webhookWait bounds how long a detached delivery queues behind the limiter
// before the alert is dropped.
const webhookWait = 30 * time.Second

// deliver POSTs an alert to the configured webhook. Runs detached; failures
// are logged only and never reach the recording caller. Bursts queue behind
// the limiter rather than dropping, so a critical alert is never shadowed by
// one recorded just before it.
func (m *Monitor) deliver(alert contracts.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookWait)
	defer cancel()
	if err := m.limiter.Wait(ctx); err != nil {
		m.log.Warn("webhook delivery dropped", "alert_id", alert.ID, "error", err)
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		m.log.Error("webhook payload encode failed", "alert_id", alert.ID, "error", err)
		return
	}

	resp, err := m.client.Post(m.opts.AlertWebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		m.log.Warn("webhook delivery failed", "alert_id", alert.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.log.Warn("webhook delivery rejected", "alert_id", alert.ID, "status", resp.StatusCode)
	}
}
