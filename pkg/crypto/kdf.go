package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// KDFName selects a key-derivation function.
type KDFName string

const (
	KDFPBKDF2 KDFName = "pbkdf2"
	KDFScrypt KDFName = "scrypt"
)

const (
	pbkdf2Iterations = 100_000
	scryptN          = 32768
	scryptR          = 8
	scryptP          = 1
	derivedKeyLen    = 32
	saltLen          = 16
)

// DerivedKey is the result of a key derivation: the key and the salt that
// produced it, both hex encoded.
type DerivedKey struct {
	KDF     KDFName `json:"kdf"`
	KeyHex  string  `json:"key_hex"`
	SaltHex string  `json:"salt_hex"`
}

// DeriveKey stretches a password into a 32-byte key. When saltHex is empty a
// fresh random salt is generated.
func DeriveKey(kdf KDFName, password string, saltHex string) (*DerivedKey, error) {
	var salt []byte
	var err error
	if saltHex == "" {
		salt, err = RandomBytes(saltLen)
		if err != nil {
			return nil, err
		}
	} else {
		salt, err = hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid salt hex: %w", err)
		}
	}

	var key []byte
	switch kdf {
	case KDFPBKDF2:
		key = pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLen, sha256.New)
	case KDFScrypt:
		key, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, derivedKeyLen)
		if err != nil {
			return nil, fmt.Errorf("crypto: scrypt: %w", err)
		}
	default:
		return nil, fmt.Errorf("crypto: unknown kdf %q", kdf)
	}

	return &DerivedKey{
		KDF:     kdf,
		KeyHex:  hex.EncodeToString(key),
		SaltHex: hex.EncodeToString(salt),
	}, nil
}
