package keystore

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crypto"
)

// ExportedKey is a password-protected key bundle. The private material is
// AEAD-sealed under a key derived from the password.
type ExportedKey struct {
	KeyID            string                 `json:"key_id"`
	Algorithm        contracts.KeyAlgorithm `json:"algorithm"`
	Curve            string                 `json:"curve,omitempty"`
	PublicKey        string                 `json:"public_key"`
	EncryptedPrivate string                 `json:"encrypted_private"` // hex(nonce||ciphertext)
	KDF              crypto.KDFName         `json:"kdf"`
	SaltHex          string                 `json:"salt_hex"`
	CreatedAt        time.Time              `json:"created_at"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
}

// Export wraps a key's private material under a password-derived key.
func (s *Store) Export(keyID, password string, kdf crypto.KDFName) (*ExportedKey, error) {
	key, err := s.Get(keyID)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == "" {
		return nil, fmt.Errorf("keystore: key %q has no private material: %w", keyID, contracts.ErrKeyUnavailable)
	}

	derived, err := crypto.DeriveKey(kdf, password, "")
	if err != nil {
		return nil, fmt.Errorf("keystore: export %s: %w", keyID, err)
	}
	wrapping, err := hex.DecodeString(derived.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: export %s: %w", keyID, err)
	}

	sealed, err := crypto.Encrypt(wrapping, []byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("keystore: export %s: %w", keyID, err)
	}

	return &ExportedKey{
		KeyID:            key.ID,
		Algorithm:        key.Algorithm,
		Curve:            key.Curve,
		PublicKey:        key.PublicKey,
		EncryptedPrivate: hex.EncodeToString(sealed),
		KDF:              kdf,
		SaltHex:          derived.SaltHex,
		CreatedAt:        key.CreatedAt,
		ExpiresAt:        key.ExpiresAt,
	}, nil
}

// ImportExported unwraps a bundle produced by Export and stores the key.
func (s *Store) ImportExported(bundle *ExportedKey, password string) (*contracts.Key, error) {
	if bundle == nil {
		return nil, fmt.Errorf("keystore: nil bundle: %w", contracts.ErrInvalidArgument)
	}

	derived, err := crypto.DeriveKey(bundle.KDF, password, bundle.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: import %s: %w", bundle.KeyID, err)
	}
	wrapping, err := hex.DecodeString(derived.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: import %s: %w", bundle.KeyID, err)
	}
	sealed, err := hex.DecodeString(bundle.EncryptedPrivate)
	if err != nil {
		return nil, fmt.Errorf("keystore: bundle %s private material is not hex: %w", bundle.KeyID, contracts.ErrInvalidArgument)
	}

	private, err := crypto.Decrypt(wrapping, sealed)
	if err != nil {
		return nil, fmt.Errorf("keystore: import %s: wrong password or corrupt bundle: %w", bundle.KeyID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[bundle.KeyID]; exists {
		return nil, fmt.Errorf("keystore: key %q: %w", bundle.KeyID, contracts.ErrDuplicateID)
	}

	key := &contracts.Key{
		ID:         bundle.KeyID,
		Algorithm:  bundle.Algorithm,
		Curve:      bundle.Curve,
		PublicKey:  bundle.PublicKey,
		PrivateKey: string(private),
		CreatedAt:  bundle.CreatedAt,
		ExpiresAt:  bundle.ExpiresAt,
	}
	s.keys[bundle.KeyID] = key
	return copyKey(key), nil
}
