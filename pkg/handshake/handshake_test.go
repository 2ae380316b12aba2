package handshake

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/sentinel"
)

type staticDirectory map[string]string // agent id -> DID

func (d staticDirectory) Registered(agentID string) bool { _, ok := d[agentID]; return ok }
func (d staticDirectory) DID(agentID string) string      { return d[agentID] }

func newProtocol(t *testing.T, opts Options) (*Protocol, *sentinel.Sentinel) {
	t.Helper()
	s := sentinel.Default()
	for _, id := range []string{"alice", "bob"} {
		_, err := s.GenerateKey(id, contracts.AlgEd25519, "")
		require.NoError(t, err)
	}
	dir := staticDirectory{
		"alice": "did:veridian:alice",
		"bob":   "did:veridian:bob",
	}
	p, err := New(s, dir, opts)
	require.NoError(t, err)
	return p, s
}

func TestHandshakeRoundTrip(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", map[string]string{"purpose": "chat"})
	require.NoError(t, err)
	assert.Equal(t, "did:veridian:alice", req.InitiatorDID)
	assert.Len(t, req.Challenge, 64) // 32 bytes hex

	resp := p.Process(req)
	require.True(t, resp.Success, resp.Message)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.ChallengeResponse)

	assert.True(t, p.VerifyResponse("alice", "bob", resp))

	session, err := p.GetSession(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.InitiatorID)
	assert.Equal(t, "bob", session.TargetID)
	assert.Len(t, session.SharedSecret, 64)
	assert.Equal(t, "chat", session.Metadata["purpose"])

	assert.True(t, p.ValidateSession(resp.SessionID, "alice"))
	assert.True(t, p.ValidateSession(resp.SessionID, "bob"))
	assert.False(t, p.ValidateSession(resp.SessionID, "mallory"))
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)
	req.Timestamp = req.Timestamp.Add(-6 * time.Minute)

	resp := p.Process(req)
	assert.False(t, resp.Success)
	assert.Equal(t, "handshake request expired", resp.Message)
}

func TestProcessRejectsBadChallengeSize(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)

	short := p.Process(&Request{
		Initiator: req.Initiator, Target: req.Target,
		InitiatorDID: req.InitiatorDID, TargetDID: req.TargetDID,
		Challenge: "deadbeef", Signature: req.Signature, Timestamp: req.Timestamp,
	})
	assert.Equal(t, "bad challenge size", short.Message)

	garbled := *req
	garbled.Challenge = "not-hex"
	assert.Equal(t, "bad challenge size", p.Process(&garbled).Message)
}

func TestProcessRejectsMalformedDID(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)

	for _, bad := range []string{"", "bob", "did:", "veridian:bob:x"} {
		r := *req
		r.TargetDID = bad
		assert.Equal(t, "invalid DID", p.Process(&r).Message, "did %q", bad)
	}
}

func TestProcessRejectsUnknownTarget(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "stranger", "did:veridian:stranger", nil)
	require.NoError(t, err)

	resp := p.Process(req)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown target", resp.Message)
}

func TestProcessRejectsTamperedSignature(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)

	// Re-randomize the challenge after signing: the signature no longer
	// covers the payload.
	tampered := *req
	raw, _ := hex.DecodeString(tampered.Challenge)
	raw[0] ^= 0xff
	tampered.Challenge = hex.EncodeToString(raw)

	resp := p.Process(&tampered)
	assert.False(t, resp.Success)
	assert.Equal(t, "signature verification failed", resp.Message)
}

func TestVerifyResponseRejectsForgery(t *testing.T) {
	p, _ := newProtocol(t, Options{})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)
	resp := p.Process(req)
	require.True(t, resp.Success)

	forged := *resp
	forged.ChallengeResponse = "0000" + forged.ChallengeResponse[4:]
	assert.False(t, p.VerifyResponse("alice", "bob", &forged))

	// No pending challenge for this pair.
	assert.False(t, p.VerifyResponse("mallory", "bob", resp))

	// The genuine response still verifies, then consumes the challenge.
	assert.True(t, p.VerifyResponse("alice", "bob", resp))
	assert.False(t, p.VerifyResponse("alice", "bob", resp))
}

func TestSessionExpiryPurgesLazily(t *testing.T) {
	p, _ := newProtocol(t, Options{SessionTTL: time.Hour})

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)
	resp := p.Process(req)
	require.True(t, resp.Success)

	base := time.Now()
	p.now = func() time.Time { return base.Add(2 * time.Hour) }

	_, err = p.GetSession(resp.SessionID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.False(t, p.ValidateSession(resp.SessionID, "alice"))

	// Purged on first access: the map no longer holds it.
	p.mu.RLock()
	_, still := p.sessions[resp.SessionID]
	p.mu.RUnlock()
	assert.False(t, still)
}

func TestSweeperDropsExpiredSessions(t *testing.T) {
	p, _ := newProtocol(t, Options{SessionTTL: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	t.Cleanup(p.Close)

	req, err := p.Initiate("alice", "bob", "did:veridian:bob", nil)
	require.NoError(t, err)
	resp := p.Process(req)
	require.True(t, resp.Success)

	p.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.mu.RLock()
		n := len(p.sessions)
		p.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired session never swept")
}
