// Package discovery registers agents for cross-platform lookup: declared
// capabilities, network endpoints, and liveness via heartbeats. Registration
// yields a signed discovery-session token (distinct from handshake sessions)
// that heartbeats must present. A background sweeper marks silent agents
// offline.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Registration declares an agent to the discovery service.
type Registration struct {
	AgentID      string            `json:"agent_id"`
	DID          string            `json:"did"`
	Address      string            `json:"address"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Record is a registered agent's discovery state.
type Record struct {
	Registration
	Status        contracts.AgentStatus `json:"status"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	RegisteredAt  time.Time             `json:"registered_at"`
}

// Query selects agents. Matching is AND across fields: the agent's
// capability set must contain every requested capability, and its metadata
// must equal every filter entry.
type Query struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	MaxResults   int               `json:"max_results,omitempty"`
}

// QueryResult carries matches plus the pre-cap total.
type QueryResult struct {
	Agents     []*Record `json:"agents"`
	TotalCount int       `json:"total_count"`
}

// Publisher is the event surface the service needs.
type Publisher interface {
	Publish(contracts.Event) error
}

// Options configures a Service.
type Options struct {
	// TokenSecret signs discovery-session tokens. Required.
	TokenSecret []byte
	// TokenTTL bounds discovery sessions. Zero means 24h.
	TokenTTL time.Duration
	// HeartbeatInterval is the sweeper period. Zero means 30s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence window before an agent goes offline.
	// Zero means 10s.
	HeartbeatTimeout time.Duration
}

// Service is the agent discovery service.
type Service struct {
	mu      sync.RWMutex
	records map[string]*Record

	bus  Publisher
	opts Options
	stop chan struct{}
	once sync.Once
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Service. The bus is optional; a nil bus drops events.
func New(opts Options, bus Publisher) (*Service, error) {
	if len(opts.TokenSecret) == 0 {
		return nil, fmt.Errorf("discovery: token secret required: %w", contracts.ErrInvalidArgument)
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	return &Service{
		records: make(map[string]*Record),
		bus:     bus,
		opts:    opts,
		stop:    make(chan struct{}),
		log:     slog.Default().With("component", "discovery"),
		now:     time.Now,
	}, nil
}

// Register validates and stores a registration, returning the signed
// discovery-session token the agent must present on heartbeats.
func (s *Service) Register(reg Registration) (string, error) {
	if reg.AgentID == "" || reg.DID == "" || reg.Address == "" || reg.Endpoint == "" {
		return "", fmt.Errorf("discovery: registration requires agent_id, did, address, and endpoint: %w", contracts.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[reg.AgentID]; exists {
		return "", fmt.Errorf("discovery: agent %q: %w", reg.AgentID, contracts.ErrDuplicateID)
	}

	now := s.now()
	s.records[reg.AgentID] = &Record{
		Registration:  reg,
		Status:        contracts.StatusOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	token, err := s.issueToken(reg.AgentID, now)
	if err != nil {
		delete(s.records, reg.AgentID)
		return "", fmt.Errorf("discovery: issuing session for %s: %w", reg.AgentID, err)
	}

	s.log.Info("agent registered", "agent_id", reg.AgentID, "did", reg.DID, "capabilities", len(reg.Capabilities))
	s.publish(contracts.Event{
		Type:        contracts.EventAgentRegistered,
		SourceAgent: reg.AgentID,
		Payload:     map[string]any{"did": reg.DID, "endpoint": reg.Endpoint},
	})
	return token, nil
}

// Deregister removes an agent explicitly.
func (s *Service) Deregister(agentID string) error {
	s.mu.Lock()
	_, ok := s.records[agentID]
	if ok {
		delete(s.records, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("discovery: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	s.publish(contracts.Event{Type: contracts.EventAgentDeregistered, SourceAgent: agentID})
	return nil
}

// Heartbeat validates the discovery-session token, refreshes the agent's
// heartbeat timestamp, and applies the reported status.
func (s *Service) Heartbeat(agentID, token string, status contracts.AgentStatus) error {
	if err := s.verifyToken(agentID, token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok {
		return fmt.Errorf("discovery: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	rec.LastHeartbeat = s.now()
	if status != "" {
		rec.Status = status
	} else {
		rec.Status = contracts.StatusOnline
	}
	return nil
}

// Get returns a copy of the agent's discovery record.
func (s *Service) Get(agentID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return nil, fmt.Errorf("discovery: agent %q: %w", agentID, contracts.ErrNotFound)
	}
	dup := *rec
	return &dup, nil
}

// Registered reports whether the agent is known to the service.
func (s *Service) Registered(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[agentID]
	return ok
}

// DID returns the agent's registered DID, or empty when unknown.
func (s *Service) DID(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[agentID]; ok {
		return rec.DID
	}
	return ""
}

// Find returns agents matching the query. TotalCount reflects the match
// count before MaxResults is applied.
func (s *Service) Find(q Query) *QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*Record
	for _, rec := range s.records {
		if !hasAll(rec.Capabilities, q.Capabilities) {
			continue
		}
		if !metadataMatches(rec.Metadata, q.Filters) {
			continue
		}
		dup := *rec
		matches = append(matches, &dup)
	}

	total := len(matches)
	if q.MaxResults > 0 && len(matches) > q.MaxResults {
		matches = matches[:q.MaxResults]
	}
	return &QueryResult{Agents: matches, TotalCount: total}
}

// Start launches the background sweeper. Stop with Close or by cancelling
// the context.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Close stops the sweeper.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
}

// sweep transitions agents silent past HeartbeatTimeout to offline, emitting
// a deregistration event for each disconnection.
func (s *Service) sweep() {
	cutoff := s.now().Add(-s.opts.HeartbeatTimeout)

	s.mu.Lock()
	var dropped []string
	for id, rec := range s.records {
		if rec.Status != contracts.StatusOffline && rec.LastHeartbeat.Before(cutoff) {
			rec.Status = contracts.StatusOffline
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dropped {
		s.log.Info("agent timed out", "agent_id", id)
		s.publish(contracts.Event{
			Type:        contracts.EventAgentDeregistered,
			SourceAgent: id,
			Payload:     map[string]any{"reason": "heartbeat timeout"},
		})
	}
}

func (s *Service) issueToken(agentID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		Issuer:    "veridian-discovery",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.TokenSecret)
}

func (s *Service) verifyToken(agentID, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.opts.TokenSecret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("discovery: session token for %s: %v: %w", agentID, err, contracts.ErrInvalidArgument)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != agentID {
		return fmt.Errorf("discovery: session token subject mismatch for %s: %w", agentID, contracts.ErrInvalidArgument)
	}
	return nil
}

func (s *Service) publish(event contracts.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event); err != nil {
		s.log.Warn("event publish failed", "type", event.Type, "error", err)
	}
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func metadataMatches(have, filters map[string]string) bool {
	for k, v := range filters {
		if have[k] != v {
			return false
		}
	}
	return true
}
