// Package sentinel composes the crypto primitives, keystore, policy engine,
// and security monitor behind one gateway. Callers sign, verify, and
// authorize through the facade; private key material never crosses it.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crypto"
	"github.com/Veridian-Labs/veridian/core/pkg/keystore"
	"github.com/Veridian-Labs/veridian/core/pkg/monitor"
	"github.com/Veridian-Labs/veridian/core/pkg/policy"
)

// Options configures a Sentinel.
type Options struct {
	Keystore Keystore
	Policy   PolicyEngine
	Monitor  SecurityMonitor
}

// Keystore is the key surface the facade needs.
type Keystore interface {
	Generate(keyID string, alg contracts.KeyAlgorithm, curve string) (*contracts.Key, error)
	Get(keyID string) (*contracts.Key, error)
	PublicKey(keyID string) (string, error)
	Rotate(keyID string) (*keystore.RotationResult, error)
	Revoke(keyID string)
}

// PolicyEngine is the authorization surface the facade needs.
type PolicyEngine interface {
	Evaluate(ctx policy.EvaluationContext) policy.Result
	AddRule(rule contracts.PolicyRule) (string, error)
}

// SecurityMonitor is the alerting surface the facade needs.
type SecurityMonitor interface {
	RecordFailedAttempt(ctx context.Context, userID string) (int, error)
	ClearFailedAttempts(ctx context.Context, userID string) error
	IsLockedOut(ctx context.Context, userID string) bool
	RecordInvalidSignature(detail string, attrs map[string]any) *contracts.Alert
	RecordPolicyViolation(detail string, attrs map[string]any) *contracts.Alert
}

// Sentinel is the security facade.
type Sentinel struct {
	keys    Keystore
	policy  PolicyEngine
	monitor SecurityMonitor
	log     *slog.Logger
}

// New wires a Sentinel from its parts. All three collaborators are required.
func New(opts Options) (*Sentinel, error) {
	if opts.Keystore == nil || opts.Policy == nil || opts.Monitor == nil {
		return nil, fmt.Errorf("sentinel: keystore, policy, and monitor are all required: %w", contracts.ErrInvalidArgument)
	}
	return &Sentinel{
		keys:    opts.Keystore,
		policy:  opts.Policy,
		monitor: opts.Monitor,
		log:     slog.Default().With("component", "sentinel"),
	}, nil
}

// Default builds a Sentinel on in-memory collaborators.
func Default() *Sentinel {
	s, _ := New(Options{
		Keystore: keystore.New(keystore.DefaultOptions()),
		Policy:   policy.New(policy.Options{}),
		Monitor:  monitor.New(monitor.DefaultOptions()),
	})
	return s
}

// SignAs signs a message with the named key. The signature record carries
// only public-side material.
func (s *Sentinel) SignAs(keyID string, message []byte) (*crypto.SignatureRecord, error) {
	key, err := s.keys.Get(keyID)
	if err != nil {
		return nil, err
	}
	rec, err := crypto.Sign(message, key)
	if err != nil {
		return nil, fmt.Errorf("sentinel: sign as %s: %w", keyID, err)
	}
	return rec, nil
}

// VerifyFor verifies a signature against the named key's public material.
// A mismatch records a signature_invalid alert and returns false without
// error; errors report malformed input only.
func (s *Sentinel) VerifyFor(keyID string, rec *crypto.SignatureRecord, message []byte) (bool, error) {
	pub, err := s.keys.PublicKey(keyID)
	if err != nil {
		return false, err
	}
	ok, err := crypto.Verify(rec, message, pub)
	if err != nil {
		return false, fmt.Errorf("sentinel: verify for %s: %w", keyID, err)
	}
	if !ok {
		s.monitor.RecordInvalidSignature("signature verification failed",
			map[string]any{"key_id": keyID, "algorithm": rec.Algorithm})
	}
	return ok, nil
}

// Authorize evaluates a request against the policy engine, honoring any
// active lockout on the principal. A locked-out principal fails with
// ErrLockedOut before policy is consulted; a deny records a
// policy_violation alert.
func (s *Sentinel) Authorize(ctx context.Context, req policy.EvaluationContext) (policy.Result, error) {
	if s.monitor.IsLockedOut(ctx, req.Principal) {
		return policy.Result{}, fmt.Errorf("sentinel: principal %s: %w", req.Principal, contracts.ErrLockedOut)
	}

	res := s.policy.Evaluate(req)
	if !res.Allowed {
		s.monitor.RecordPolicyViolation(res.Reason, map[string]any{
			"principal": req.Principal,
			"resource":  req.Resource,
			"action":    req.Action,
		})
	}
	return res, nil
}

// RecordAuthFailure counts a failed authentication for the principal.
func (s *Sentinel) RecordAuthFailure(ctx context.Context, principal string) error {
	_, err := s.monitor.RecordFailedAttempt(ctx, principal)
	return err
}

// ClearAuthFailures resets the principal after successful authentication.
func (s *Sentinel) ClearAuthFailures(ctx context.Context, principal string) error {
	return s.monitor.ClearFailedAttempts(ctx, principal)
}

// GenerateKey creates a keypair and returns only its public material.
func (s *Sentinel) GenerateKey(keyID string, alg contracts.KeyAlgorithm, curve string) (string, error) {
	key, err := s.keys.Generate(keyID, alg, curve)
	if err != nil {
		return "", err
	}
	return key.PublicKey, nil
}

// PublicKey returns the public material of a usable key.
func (s *Sentinel) PublicKey(keyID string) (string, error) {
	return s.keys.PublicKey(keyID)
}

// RotateKey rotates the named key.
func (s *Sentinel) RotateKey(keyID string) (*keystore.RotationResult, error) {
	return s.keys.Rotate(keyID)
}

// RevokeKey revokes the named key.
func (s *Sentinel) RevokeKey(keyID string) {
	s.keys.Revoke(keyID)
}

// AddPolicyRule registers a rule with the policy engine.
func (s *Sentinel) AddPolicyRule(rule contracts.PolicyRule) (string, error) {
	return s.policy.AddRule(rule)
}
