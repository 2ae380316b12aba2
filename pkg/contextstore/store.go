// Package contextstore keeps per-session conversation contexts: a bounded
// message ring, shared key/value state, and per-participant emotional-state
// snapshots. Contexts expire after a TTL measured from their last update;
// expired entries are purged lazily on access and by a background sweeper.
package contextstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Emitter receives store lifecycle events; the event bus satisfies it. A nil
// emitter drops events.
type Emitter interface {
	Publish(contracts.Event) error
}

// Options configures a Store.
type Options struct {
	// MaxHistory bounds each context's message ring. Zero means 100.
	MaxHistory int
	// ContextTTL is the idle lifetime measured from last_updated_at.
	// Zero means 24h.
	ContextTTL time.Duration
	// SweepInterval is the expiry sweeper period. Zero means 1m.
	SweepInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxHistory:    100,
		ContextTTL:    24 * time.Hour,
		SweepInterval: time.Minute,
	}
}

// Statistics is an aggregate snapshot over live contexts.
type Statistics struct {
	TotalContexts             int     `json:"total_contexts"`
	TotalMessages             int     `json:"total_messages"`
	AverageMessagesPerContext float64 `json:"average_messages_per_context"`
}

// Store is the conversation-context store.
type Store struct {
	mu       sync.Mutex
	contexts map[string]*contracts.ConversationContext

	emitter Emitter
	opts    Options
	stop    chan struct{}
	once    sync.Once
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Store. The emitter is optional.
func New(opts Options, emitter Emitter) *Store {
	def := DefaultOptions()
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = def.MaxHistory
	}
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = def.ContextTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	return &Store{
		contexts: make(map[string]*contracts.ConversationContext),
		emitter:  emitter,
		opts:     opts,
		stop:     make(chan struct{}),
		log:      slog.Default().With("component", "contextstore"),
		now:      time.Now,
	}
}

// Save stores the context, replacing any existing entry for the session.
// The message history is trimmed to the ring bound, oldest first.
func (s *Store) Save(cc *contracts.ConversationContext) error {
	if cc == nil || cc.SessionID == "" {
		return fmt.Errorf("contextstore: session id required: %w", contracts.ErrInvalidArgument)
	}

	dup := cloneContext(cc)
	now := s.now().UTC()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = now
	}
	dup.LastUpdatedAt = now
	s.trim(dup)

	s.mu.Lock()
	s.contexts[dup.SessionID] = dup
	s.mu.Unlock()

	s.emit("context_saved", dup.SessionID)
	return nil
}

// Get returns a copy of the context, or nil when absent or expired. Expired
// entries are purged on access.
func (s *Store) Get(sessionID string) *contracts.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := s.liveLocked(sessionID)
	if cc == nil {
		return nil
	}
	return cloneContext(cc)
}

// Update merges the partial fields into an existing context: participants
// and message history replace when non-nil, shared context and emotional
// states merge key-wise.
func (s *Store) Update(sessionID string, partial *contracts.ConversationContext) error {
	if partial == nil {
		return fmt.Errorf("contextstore: partial context required: %w", contracts.ErrInvalidArgument)
	}

	s.mu.Lock()
	cc := s.liveLocked(sessionID)
	if cc == nil {
		s.mu.Unlock()
		return fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}

	if partial.Participants != nil {
		cc.Participants = append([]string(nil), partial.Participants...)
	}
	if partial.MessageHistory != nil {
		cc.MessageHistory = append([]contracts.ConversationMessage(nil), partial.MessageHistory...)
		s.trim(cc)
	}
	if partial.SharedContext != nil {
		if cc.SharedContext == nil {
			cc.SharedContext = make(map[string]any, len(partial.SharedContext))
		}
		for k, v := range partial.SharedContext {
			cc.SharedContext[k] = v
		}
	}
	if partial.EmotionalStates != nil {
		if cc.EmotionalStates == nil {
			cc.EmotionalStates = make(map[string]*contracts.EmotionalState, len(partial.EmotionalStates))
		}
		for k, v := range partial.EmotionalStates {
			state := *v
			cc.EmotionalStates[k] = &state
		}
	}
	cc.LastUpdatedAt = s.now().UTC()
	s.mu.Unlock()

	s.emit("context_updated", sessionID)
	return nil
}

// AddMessage appends a message to the session's ring, creating the context
// on demand with participants inferred from the message. A carried emotional
// state becomes the sender's current snapshot.
func (s *Store) AddMessage(sessionID string, msg contracts.ConversationMessage) error {
	if sessionID == "" || msg.FromAgentID == "" {
		return fmt.Errorf("contextstore: session id and sender required: %w", contracts.ErrInvalidArgument)
	}

	now := s.now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	s.mu.Lock()
	cc := s.liveLocked(sessionID)
	created := cc == nil
	if created {
		participants := []string{msg.FromAgentID}
		if msg.ToAgentID != "" && msg.ToAgentID != msg.FromAgentID {
			participants = append(participants, msg.ToAgentID)
		}
		cc = &contracts.ConversationContext{
			SessionID:    sessionID,
			Participants: participants,
			CreatedAt:    now,
		}
		s.contexts[sessionID] = cc
	}

	cc.MessageHistory = append(cc.MessageHistory, msg)
	s.trim(cc)
	if msg.EmotionalState != nil {
		if cc.EmotionalStates == nil {
			cc.EmotionalStates = make(map[string]*contracts.EmotionalState)
		}
		state := *msg.EmotionalState
		cc.EmotionalStates[msg.FromAgentID] = &state
	}
	cc.LastUpdatedAt = now
	s.mu.Unlock()

	if created {
		s.emit("context_saved", sessionID)
	} else {
		s.emit("context_updated", sessionID)
	}
	return nil
}

// MessageHistory returns the most recent messages, newest last. A zero
// limit returns the whole ring.
func (s *Store) MessageHistory(sessionID string, limit int) ([]contracts.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc := s.liveLocked(sessionID)
	if cc == nil {
		return nil, fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	history := cc.MessageHistory
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]contracts.ConversationMessage(nil), history...), nil
}

// SharedContext returns a copy of the session's shared key/value state.
func (s *Store) SharedContext(sessionID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc := s.liveLocked(sessionID)
	if cc == nil {
		return nil, fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	out := make(map[string]any, len(cc.SharedContext))
	for k, v := range cc.SharedContext {
		out[k] = v
	}
	return out, nil
}

// UpdateSharedContext merges the given entries into the shared state.
func (s *Store) UpdateSharedContext(sessionID string, entries map[string]any) error {
	s.mu.Lock()
	cc := s.liveLocked(sessionID)
	if cc == nil {
		s.mu.Unlock()
		return fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	if cc.SharedContext == nil {
		cc.SharedContext = make(map[string]any, len(entries))
	}
	for k, v := range entries {
		cc.SharedContext[k] = v
	}
	cc.LastUpdatedAt = s.now().UTC()
	s.mu.Unlock()

	s.emit("context_updated", sessionID)
	return nil
}

// EmotionalStates returns a copy of the per-participant snapshots.
func (s *Store) EmotionalStates(sessionID string) (map[string]*contracts.EmotionalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc := s.liveLocked(sessionID)
	if cc == nil {
		return nil, fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	out := make(map[string]*contracts.EmotionalState, len(cc.EmotionalStates))
	for k, v := range cc.EmotionalStates {
		state := *v
		out[k] = &state
	}
	return out, nil
}

// Delete removes the context.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	_, ok := s.contexts[sessionID]
	delete(s.contexts, sessionID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("contextstore: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	s.emit("context_deleted", sessionID)
	return nil
}

// ActiveSessions lists the session ids with live contexts.
func (s *Store) ActiveSessions() []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.contexts))
	for id, cc := range s.contexts {
		if s.expired(cc, now) {
			delete(s.contexts, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Stats aggregates over live contexts.
func (s *Store) Stats() Statistics {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Statistics
	for id, cc := range s.contexts {
		if s.expired(cc, now) {
			delete(s.contexts, id)
			continue
		}
		stats.TotalContexts++
		stats.TotalMessages += len(cc.MessageHistory)
	}
	if stats.TotalContexts > 0 {
		stats.AverageMessagesPerContext = float64(stats.TotalMessages) / float64(stats.TotalContexts)
	}
	return stats
}

// Start launches the periodic expiry sweeper.
func (s *Store) Start() {
	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Close stops the sweeper.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	var dropped []string
	for id, cc := range s.contexts {
		if s.expired(cc, now) {
			delete(s.contexts, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dropped {
		s.log.Debug("context expired", "session_id", id)
		s.emit("context_deleted", id)
	}
}

// liveLocked returns the live entry, purging it when expired. Caller holds mu.
func (s *Store) liveLocked(sessionID string) *contracts.ConversationContext {
	cc, ok := s.contexts[sessionID]
	if !ok {
		return nil
	}
	if s.expired(cc, s.now()) {
		delete(s.contexts, sessionID)
		return nil
	}
	return cc
}

func (s *Store) expired(cc *contracts.ConversationContext, now time.Time) bool {
	return now.Sub(cc.LastUpdatedAt) > s.opts.ContextTTL
}

// trim drops the oldest messages past the ring bound.
func (s *Store) trim(cc *contracts.ConversationContext) {
	if excess := len(cc.MessageHistory) - s.opts.MaxHistory; excess > 0 {
		cc.MessageHistory = append([]contracts.ConversationMessage(nil), cc.MessageHistory[excess:]...)
	}
}

func (s *Store) emit(action, sessionID string) {
	if s.emitter == nil {
		return
	}
	err := s.emitter.Publish(contracts.Event{
		Type:        contracts.EventAgentEvent,
		SourceAgent: "contextstore",
		Payload:     map[string]any{"action": action, "session_id": sessionID},
	})
	if err != nil {
		s.log.Warn("event publish failed", "action", action, "error", err)
	}
}

func cloneContext(cc *contracts.ConversationContext) *contracts.ConversationContext {
	dup := *cc
	dup.Participants = append([]string(nil), cc.Participants...)
	dup.MessageHistory = append([]contracts.ConversationMessage(nil), cc.MessageHistory...)
	if cc.SharedContext != nil {
		dup.SharedContext = make(map[string]any, len(cc.SharedContext))
		for k, v := range cc.SharedContext {
			dup.SharedContext[k] = v
		}
	}
	if cc.EmotionalStates != nil {
		dup.EmotionalStates = make(map[string]*contracts.EmotionalState, len(cc.EmotionalStates))
		for k, v := range cc.EmotionalStates {
			state := *v
			dup.EmotionalStates[k] = &state
		}
	}
	return &dup
}
