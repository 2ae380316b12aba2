// Package handshake implements the two-phase challenge-response protocol
// that mutually authenticates agents and issues sessions. The transport is
// opaque: callers move Request and Response values between peers however
// they like.
//
// The signing payload is the canonical JSON of {challenge, target_did,
// timestamp}; the challenge response rehashes challenge ∥ target_did ∥ salt,
// where the salt is the first 16 hex characters of the derived session id.
package handshake

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/canonicalize"
	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crypto"
)

// freshnessWindow bounds |now − request.timestamp| on process.
const freshnessWindow = 5 * time.Minute

// saltLen is the prefix of the session id used as the response salt.
const saltLen = 16

// Signer is the key surface the protocol needs; the sentinel facade
// satisfies it. Key ids are agent ids.
type Signer interface {
	SignAs(keyID string, message []byte) (*crypto.SignatureRecord, error)
	PublicKey(keyID string) (string, error)
}

// Directory answers registration lookups; the discovery service satisfies it.
type Directory interface {
	Registered(agentID string) bool
	DID(agentID string) string
}

// Request is the initiator's opening message.
type Request struct {
	Initiator    string                  `json:"initiator"`
	Target       string                  `json:"target"`
	InitiatorDID string                  `json:"initiator_did"`
	TargetDID    string                  `json:"target_did"`
	Challenge    string                  `json:"challenge"` // hex
	Signature    *crypto.SignatureRecord `json:"signature"`
	Timestamp    time.Time               `json:"timestamp"`
	Metadata     map[string]string       `json:"metadata,omitempty"`
}

// Response is the target's answer. Failures carry Success=false and a
// message; they never raise.
type Response struct {
	Success           bool                    `json:"success"`
	Message           string                  `json:"message,omitempty"`
	SessionID         string                  `json:"session_id,omitempty"`
	ChallengeResponse string                  `json:"challenge_response,omitempty"`
	Signature         *crypto.SignatureRecord `json:"signature,omitempty"`
	TargetDID         string                  `json:"target_did,omitempty"`
}

// Options configures a Protocol.
type Options struct {
	// ChallengeSize is the challenge length in bytes. Zero means 32.
	ChallengeSize int
	// SessionTTL bounds issued sessions. Zero means 24h.
	SessionTTL time.Duration
	// SweepInterval is the expired-session sweeper period. Zero means 1m.
	SweepInterval time.Duration
}

type pendingKey struct {
	initiator string
	target    string
}

// Protocol holds pending challenges and issued sessions.
type Protocol struct {
	mu       sync.RWMutex
	pending  map[pendingKey]string // hex challenge awaiting verifyResponse
	sessions map[string]*contracts.Session

	signer    Signer
	directory Directory
	opts      Options
	stop      chan struct{}
	once      sync.Once
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Protocol.
func New(signer Signer, directory Directory, opts Options) (*Protocol, error) {
	if signer == nil || directory == nil {
		return nil, fmt.Errorf("handshake: signer and directory required: %w", contracts.ErrInvalidArgument)
	}
	if opts.ChallengeSize <= 0 {
		opts.ChallengeSize = 32
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Protocol{
		pending:   make(map[pendingKey]string),
		sessions:  make(map[string]*contracts.Session),
		signer:    signer,
		directory: directory,
		opts:      opts,
		stop:      make(chan struct{}),
		log:       slog.Default().With("component", "handshake"),
		now:       time.Now,
	}, nil
}

// Initiate opens a handshake toward the target: a fresh random challenge,
// signed with the initiator's key. The challenge is retained for the later
// response verification.
func (p *Protocol) Initiate(initiator, target, targetDID string, metadata map[string]string) (*Request, error) {
	if initiator == "" || target == "" || targetDID == "" {
		return nil, fmt.Errorf("handshake: initiator, target, and target DID required: %w", contracts.ErrInvalidArgument)
	}

	challenge, err := crypto.RandomBytes(p.opts.ChallengeSize)
	if err != nil {
		return nil, fmt.Errorf("handshake: generating challenge: %w", err)
	}
	challengeHex := hex.EncodeToString(challenge)
	now := p.now().UTC()

	payload, err := signingPayload(challengeHex, targetDID, now)
	if err != nil {
		return nil, err
	}
	sig, err := p.signer.SignAs(initiator, payload)
	if err != nil {
		return nil, fmt.Errorf("handshake: signing challenge as %s: %w", initiator, err)
	}

	p.mu.Lock()
	p.pending[pendingKey{initiator, target}] = challengeHex
	p.mu.Unlock()

	return &Request{
		Initiator:    initiator,
		Target:       target,
		InitiatorDID: p.directory.DID(initiator),
		TargetDID:    targetDID,
		Challenge:    challengeHex,
		Signature:    sig,
		Timestamp:    now,
		Metadata:     metadata,
	}, nil
}

// Process handles a request on the target side: freshness, challenge size,
// DID shape, target registration, and the initiator's signature are checked
// in order, each failure yielding its own message. Success issues a session
// and a signed challenge response.
func (p *Protocol) Process(req *Request) *Response {
	if req == nil {
		return &Response{Message: "empty handshake request"}
	}

	now := p.now()
	if age := now.Sub(req.Timestamp); age > freshnessWindow || age < -freshnessWindow {
		return &Response{Message: "handshake request expired"}
	}

	challenge, err := hex.DecodeString(req.Challenge)
	if err != nil || len(challenge) != p.opts.ChallengeSize {
		return &Response{Message: "bad challenge size"}
	}

	if !validDID(req.InitiatorDID) || !validDID(req.TargetDID) {
		return &Response{Message: "invalid DID"}
	}

	if !p.directory.Registered(req.Target) {
		return &Response{Message: "unknown target"}
	}

	payload, err := signingPayload(req.Challenge, req.TargetDID, req.Timestamp)
	if err != nil {
		return &Response{Message: "malformed handshake request"}
	}
	initiatorKey, err := p.signer.PublicKey(req.Initiator)
	if err != nil {
		return &Response{Message: "unknown initiator key"}
	}
	ok, err := crypto.Verify(req.Signature, payload, initiatorKey)
	if err != nil || !ok {
		return &Response{Message: "signature verification failed"}
	}

	sessionID := uuid.NewString()
	response := challengeResponse(challenge, req.TargetDID, sessionID)

	sig, err := p.signer.SignAs(req.Target, []byte(response))
	if err != nil {
		return &Response{Message: "target signing failed"}
	}

	nonce, err := crypto.RandomBytes(16)
	if err != nil {
		return &Response{Message: "entropy unavailable"}
	}
	secret := sha256.Sum256(append(append(append(challenge, []byte(req.Initiator)...), []byte(req.Target)...), nonce...))

	session := &contracts.Session{
		ID:           sessionID,
		InitiatorID:  req.Initiator,
		TargetID:     req.Target,
		SharedSecret: hex.EncodeToString(secret[:]),
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.Add(p.opts.SessionTTL).UTC(),
		Metadata:     req.Metadata,
	}
	p.mu.Lock()
	p.sessions[sessionID] = session
	p.mu.Unlock()

	p.log.Info("handshake accepted",
		"session_id", sessionID, "initiator", req.Initiator, "target", req.Target)
	return &Response{
		Success:           true,
		SessionID:         sessionID,
		ChallengeResponse: response,
		Signature:         sig,
		TargetDID:         req.TargetDID,
	}
}

// VerifyResponse closes the loop on the initiator side: the pending
// challenge is rehashed and the target's signature checked. Any mismatch
// returns false without error.
func (p *Protocol) VerifyResponse(initiator, target string, resp *Response) bool {
	if resp == nil || !resp.Success {
		return false
	}

	p.mu.RLock()
	challengeHex, ok := p.pending[pendingKey{initiator, target}]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return false
	}

	expected := challengeResponse(challenge, resp.TargetDID, resp.SessionID)
	if expected != resp.ChallengeResponse {
		return false
	}

	targetKey, err := p.signer.PublicKey(target)
	if err != nil {
		return false
	}
	verified, err := crypto.Verify(resp.Signature, []byte(expected), targetKey)
	if err != nil || !verified {
		return false
	}

	p.mu.Lock()
	delete(p.pending, pendingKey{initiator, target})
	p.mu.Unlock()
	return true
}

// GetSession returns the session iff it has not expired. Expired sessions
// are purged on access.
func (p *Protocol) GetSession(sessionID string) (*contracts.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("handshake: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	if !p.now().Before(session.ExpiresAt) {
		delete(p.sessions, sessionID)
		return nil, fmt.Errorf("handshake: session %q expired: %w", sessionID, contracts.ErrNotFound)
	}
	dup := *session
	return &dup, nil
}

// ValidateSession reports whether the session is live and the caller is one
// of its participants.
func (p *Protocol) ValidateSession(sessionID, caller string) bool {
	session, err := p.GetSession(sessionID)
	if err != nil {
		return false
	}
	return session.ValidFor(caller, p.now())
}

// EndSession removes a session explicitly, before its expiry.
func (p *Protocol) EndSession(sessionID string) error {
	p.mu.Lock()
	_, ok := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("handshake: session %q: %w", sessionID, contracts.ErrNotFound)
	}
	return nil
}

// Start launches the periodic expired-session sweeper.
func (p *Protocol) Start() {
	go func() {
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Close stops the sweeper.
func (p *Protocol) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Protocol) sweep() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, session := range p.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(p.sessions, id)
		}
	}
}

// signingPayload canonicalizes the signed portion of a request so both
// sides hash identical bytes regardless of field order.
func signingPayload(challengeHex, targetDID string, ts time.Time) ([]byte, error) {
	payload, err := canonicalize.JCS(map[string]any{
		"challenge":  challengeHex,
		"target_did": targetDID,
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("handshake: canonicalizing payload: %w", err)
	}
	return payload, nil
}

// challengeResponse rehashes challenge ∥ target_did ∥ salt, salt being the
// session-id prefix. Deterministic on both sides once the session id is known.
func challengeResponse(challenge []byte, targetDID, sessionID string) string {
	salt := strings.ReplaceAll(sessionID, "-", "")
	if len(salt) > saltLen {
		salt = salt[:saltLen]
	}
	sum := sha256.Sum256(append(append(append([]byte(nil), challenge...), []byte(targetDID)...), []byte(salt)...))
	return hex.EncodeToString(sum[:])
}

func validDID(did string) bool {
	parts := strings.Split(did, ":")
	return len(parts) >= 3 && parts[0] == "did" && parts[1] != "" && parts[2] != ""
}
