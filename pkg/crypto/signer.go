// Package crypto implements the signing, hashing, authenticated-encryption,
// and key-derivation primitives consumed by the keystore, handshake, and
// Sentinel facade. Key material travels as hex strings; signatures carry the
// digest of the exact message signed.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// SignatureRecord is the result of signing a message.
type SignatureRecord struct {
	Algorithm   contracts.KeyAlgorithm `json:"algorithm"`
	Signature   string                 `json:"signature"`    // hex
	MessageHash string                 `json:"message_hash"` // hex SHA-256
	Timestamp   time.Time              `json:"timestamp"`
	KeyID       string                 `json:"key_id"`
}

// GenerateKeypair creates a new keypair for the algorithm family, returning
// hex-encoded public and private material.
func GenerateKeypair(alg contracts.KeyAlgorithm) (pubHex, privHex string, err error) {
	switch alg {
	case contracts.AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", fmt.Errorf("crypto: ed25519 generation: %w", err)
		}
		return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
	case contracts.AlgSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return "", "", fmt.Errorf("crypto: secp256k1 generation: %w", err)
		}
		pub := priv.PubKey().SerializeCompressed()
		return hex.EncodeToString(pub), hex.EncodeToString(priv.Serialize()), nil
	default:
		return "", "", fmt.Errorf("crypto: %q: %w", alg, contracts.ErrAlgorithmUnsupported)
	}
}

// Sign produces a SignatureRecord over message using the key's private
// material. Ed25519 signs the raw message; secp256k1 ECDSA signs the SHA-256
// digest.
func Sign(message []byte, key *contracts.Key) (*SignatureRecord, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: nil key: %w", contracts.ErrKeyUnavailable)
	}
	if key.PrivateKey == "" {
		return nil, fmt.Errorf("crypto: key %s has no private material: %w", key.ID, contracts.ErrKeyUnavailable)
	}

	priv, err := hex.DecodeString(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	digest := sha256.Sum256(message)

	var sig []byte
	switch key.Algorithm {
	case contracts.AlgEd25519:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("crypto: ed25519 private key size %d: %w", len(priv), contracts.ErrKeyUnavailable)
		}
		sig = ed25519.Sign(ed25519.PrivateKey(priv), message)
	case contracts.AlgSecp256k1:
		if len(priv) != 32 {
			return nil, fmt.Errorf("crypto: secp256k1 private key size %d: %w", len(priv), contracts.ErrKeyUnavailable)
		}
		pk := secp256k1.PrivKeyFromBytes(priv)
		sig = secpecdsa.Sign(pk, digest[:]).Serialize()
	default:
		return nil, fmt.Errorf("crypto: %q: %w", key.Algorithm, contracts.ErrAlgorithmUnsupported)
	}

	return &SignatureRecord{
		Algorithm:   key.Algorithm,
		Signature:   hex.EncodeToString(sig),
		MessageHash: hex.EncodeToString(digest[:]),
		Timestamp:   time.Now().UTC(),
		KeyID:       key.ID,
	}, nil
}

// Verify checks a SignatureRecord against the original message and a
// hex-encoded public key. A failed check returns false with a nil error;
// malformed input returns an error.
func Verify(rec *SignatureRecord, message []byte, publicKeyHex string) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("crypto: nil signature record: %w", contracts.ErrInvalidArgument)
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}

	digest := sha256.Sum256(message)
	if rec.MessageHash != "" && rec.MessageHash != hex.EncodeToString(digest[:]) {
		return false, nil
	}

	switch rec.Algorithm {
	case contracts.AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("crypto: ed25519 public key size %d: %w", len(pub), contracts.ErrInvalidArgument)
		}
		return ed25519.Verify(ed25519.PublicKey(pub), message, sig), nil
	case contracts.AlgSecp256k1:
		pk, err := secp256k1.ParsePubKey(pub)
		if err != nil {
			return false, fmt.Errorf("crypto: parse secp256k1 public key: %w", err)
		}
		parsed, err := secpecdsa.ParseDERSignature(sig)
		if err != nil {
			return false, nil
		}
		return parsed.Verify(digest[:], pk), nil
	default:
		return false, fmt.Errorf("crypto: %q: %w", rec.Algorithm, contracts.ErrAlgorithmUnsupported)
	}
}
