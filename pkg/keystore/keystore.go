// Package keystore owns the keypair lifecycle: generation, import/export,
// rotation, revocation, and expiry. Keys live in memory; encrypted export is
// the only way private material leaves the store.
package keystore

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crypto"
)

// Options configures a Store.
type Options struct {
	// KeyRotationDays sets the expiry horizon assigned on Generate.
	KeyRotationDays int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{KeyRotationDays: 90}
}

// Store is the in-memory key registry. Revocation is terminal; expiry is a
// computed condition. A rotated key is expired in place, not revoked —
// downstream behavior depends on that distinction.
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*contracts.Key
	revoked map[string]struct{}
	opts    Options
	now     func() time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.KeyRotationDays <= 0 {
		opts.KeyRotationDays = DefaultOptions().KeyRotationDays
	}
	return &Store{
		keys:    make(map[string]*contracts.Key),
		revoked: make(map[string]struct{}),
		opts:    opts,
		now:     time.Now,
	}
}

// Generate creates a new keypair under keyID with expiry now+KeyRotationDays.
func (s *Store) Generate(keyID string, alg contracts.KeyAlgorithm, curve string) (*contracts.Key, error) {
	pub, priv, err := crypto.GenerateKeypair(alg)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate %s: %w", keyID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[keyID]; exists {
		return nil, fmt.Errorf("keystore: key %q: %w", keyID, contracts.ErrDuplicateID)
	}

	now := s.now().UTC()
	expires := now.Add(time.Duration(s.opts.KeyRotationDays) * 24 * time.Hour)
	key := &contracts.Key{
		ID:         keyID,
		Algorithm:  alg,
		Curve:      curve,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  now,
		ExpiresAt:  &expires,
	}
	s.keys[keyID] = key
	return copyKey(key), nil
}

// Import stores externally created key material. Private material is kept
// only if supplied.
func (s *Store) Import(keyID, publicHex, privateHex string, alg contracts.KeyAlgorithm) (*contracts.Key, error) {
	if keyID == "" || publicHex == "" {
		return nil, fmt.Errorf("keystore: import requires key id and public material: %w", contracts.ErrInvalidArgument)
	}
	if _, err := hex.DecodeString(publicHex); err != nil {
		return nil, fmt.Errorf("keystore: public material is not hex: %w", contracts.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[keyID]; exists {
		return nil, fmt.Errorf("keystore: key %q: %w", keyID, contracts.ErrDuplicateID)
	}

	key := &contracts.Key{
		ID:         keyID,
		Algorithm:  alg,
		PublicKey:  publicHex,
		PrivateKey: privateHex,
		CreatedAt:  s.now().UTC(),
	}
	s.keys[keyID] = key
	return copyKey(key), nil
}

// Get returns the key iff it is neither revoked nor expired.
func (s *Store) Get(keyID string) (*contracts.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usableLocked(keyID)
}

// Revoke marks a key unreadable. Idempotent; revoked keys stay in the map.
func (s *Store) Revoke(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		key.Revoked = true
	}
	s.revoked[keyID] = struct{}{}
}

// RotationResult names the keys involved in a rotation.
type RotationResult struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// Rotate generates a replacement key preserving algorithm and curve, then
// expires the old key immediately. The old key is NOT revoked. The lock is
// held across the whole rotation so a key rotates at most once.
func (s *Store) Rotate(keyID string) (*RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.usableLocked(keyID)
	if err != nil {
		return nil, err
	}

	newID := fmt.Sprintf("%s_rotated_%d", keyID, s.now().Unix())
	if _, exists := s.keys[newID]; exists {
		return nil, fmt.Errorf("keystore: key %q: %w", newID, contracts.ErrDuplicateID)
	}
	pub, priv, err := crypto.GenerateKeypair(old.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("keystore: rotate %s: %w", keyID, err)
	}

	now := s.now().UTC()
	expires := now.Add(time.Duration(s.opts.KeyRotationDays) * 24 * time.Hour)
	s.keys[newID] = &contracts.Key{
		ID:         newID,
		Algorithm:  old.Algorithm,
		Curve:      old.Curve,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  now,
		ExpiresAt:  &expires,
	}
	s.keys[keyID].ExpiresAt = &now

	return &RotationResult{OldID: keyID, NewID: newID}, nil
}

// KeysDueForRotation returns non-revoked keys expiring within seven days.
func (s *Store) KeysDueForRotation() []*contracts.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	horizon := s.now().Add(7 * 24 * time.Hour)
	var due []*contracts.Key
	for _, key := range s.keys {
		if key.Revoked {
			continue
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(horizon) {
			due = append(due, copyKey(key))
		}
	}
	return due
}

// PublicKey returns the public material of a usable key.
func (s *Store) PublicKey(keyID string) (string, error) {
	key, err := s.Get(keyID)
	if err != nil {
		return "", err
	}
	return key.PublicKey, nil
}

func (s *Store) usableLocked(keyID string) (*contracts.Key, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("keystore: key %q: %w", keyID, contracts.ErrKeyUnavailable)
	}
	if !key.Usable(s.now()) {
		return nil, fmt.Errorf("keystore: key %q revoked or expired: %w", keyID, contracts.ErrKeyUnavailable)
	}
	return copyKey(key), nil
}

func copyKey(k *contracts.Key) *contracts.Key {
	dup := *k
	return &dup
}
