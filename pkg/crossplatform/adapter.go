// Package crossplatform composes the session layer into one surface:
// discovery lookups, handshake-authenticated sessions, and per-session
// conversation contexts. An Adapter is what a platform bridge embeds to
// talk to agents on other hosts.
package crossplatform

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/contextstore"
	"github.com/Veridian-Labs/veridian/core/pkg/discovery"
	"github.com/Veridian-Labs/veridian/core/pkg/handshake"
)

// Adapter binds discovery, handshake, and context storage.
type Adapter struct {
	discovery *discovery.Service
	protocol  *handshake.Protocol
	contexts  *contextstore.Store
	log       *slog.Logger
}

// New wires an Adapter over existing subsystems.
func New(disc *discovery.Service, protocol *handshake.Protocol, contexts *contextstore.Store) (*Adapter, error) {
	if disc == nil || protocol == nil || contexts == nil {
		return nil, fmt.Errorf("crossplatform: discovery, protocol, and context store required: %w", contracts.ErrInvalidArgument)
	}
	return &Adapter{
		discovery: disc,
		protocol:  protocol,
		contexts:  contexts,
		log:       slog.Default().With("component", "crossplatform"),
	}, nil
}

// Connect runs the full handshake against a discovered target and returns
// the established session. Both legs run in-process here; a remote target
// would carry the Request and Response over its transport.
func (a *Adapter) Connect(initiator, target string, metadata map[string]string) (*contracts.Session, error) {
	rec, err := a.discovery.Get(target)
	if err != nil {
		return nil, fmt.Errorf("crossplatform: target %s not discoverable: %w", target, err)
	}
	if rec.Status == contracts.StatusOffline {
		return nil, fmt.Errorf("crossplatform: target %s is offline: %w", target, contracts.ErrHandshakeRejected)
	}

	req, err := a.protocol.Initiate(initiator, target, rec.DID, metadata)
	if err != nil {
		return nil, err
	}
	resp := a.protocol.Process(req)
	if !resp.Success {
		return nil, fmt.Errorf("crossplatform: handshake with %s rejected: %s: %w", target, resp.Message, contracts.ErrSessionInvalid)
	}
	if !a.protocol.VerifyResponse(initiator, target, resp) {
		return nil, fmt.Errorf("crossplatform: handshake response from %s failed verification: %w", target, contracts.ErrSessionInvalid)
	}

	session, err := a.protocol.GetSession(resp.SessionID)
	if err != nil {
		return nil, err
	}
	a.log.Info("session established", "session_id", session.ID, "initiator", initiator, "target", target)
	return session, nil
}

// SendMessage appends a message to the session's conversation. The sender
// must be a live participant.
func (a *Adapter) SendMessage(sessionID string, msg contracts.ConversationMessage) error {
	if !a.protocol.ValidateSession(sessionID, msg.FromAgentID) {
		return fmt.Errorf("crossplatform: session %q not valid for %s: %w", sessionID, msg.FromAgentID, contracts.ErrSessionInvalid)
	}
	return a.contexts.AddMessage(sessionID, msg)
}

// ReceiveMessage returns the caller's unseen view of the conversation: the
// most recent messages addressed to or broadcast past the caller, newest
// last. A zero limit returns the whole retained history.
func (a *Adapter) ReceiveMessage(sessionID, caller string, limit int) ([]contracts.ConversationMessage, error) {
	if !a.protocol.ValidateSession(sessionID, caller) {
		return nil, fmt.Errorf("crossplatform: session %q not valid for %s: %w", sessionID, caller, contracts.ErrSessionInvalid)
	}
	history, err := a.contexts.MessageHistory(sessionID, 0)
	if err != nil {
		return nil, err
	}
	var inbox []contracts.ConversationMessage
	for _, m := range history {
		if m.FromAgentID == caller {
			continue
		}
		if m.ToAgentID != "" && m.ToAgentID != caller {
			continue
		}
		inbox = append(inbox, m)
	}
	if limit > 0 && len(inbox) > limit {
		inbox = inbox[len(inbox)-limit:]
	}
	return inbox, nil
}

// GetContext returns the session's conversation context for a participant.
func (a *Adapter) GetContext(sessionID, caller string) (*contracts.ConversationContext, error) {
	if !a.protocol.ValidateSession(sessionID, caller) {
		return nil, fmt.Errorf("crossplatform: session %q not valid for %s: %w", sessionID, caller, contracts.ErrSessionInvalid)
	}
	cc := a.contexts.Get(sessionID)
	if cc == nil {
		return nil, fmt.Errorf("crossplatform: no context for session %q: %w", sessionID, contracts.ErrNotFound)
	}
	return cc, nil
}

// Disconnect ends the session and drops its conversation context. Either
// participant may disconnect.
func (a *Adapter) Disconnect(sessionID, caller string) error {
	if !a.protocol.ValidateSession(sessionID, caller) {
		return fmt.Errorf("crossplatform: session %q not valid for %s: %w", sessionID, caller, contracts.ErrSessionInvalid)
	}
	if err := a.protocol.EndSession(sessionID); err != nil {
		return err
	}
	// The context may legitimately be absent when no messages were sent.
	if err := a.contexts.Delete(sessionID); err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return err
	}
	a.log.Info("session closed", "session_id", sessionID, "by", caller)
	return nil
}
