package keystore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crypto"
)

func TestGenerateAssignsExpiry(t *testing.T) {
	s := New(Options{KeyRotationDays: 30})

	key, err := s.Generate("guardian-signing", contracts.AlgEd25519, "")
	require.NoError(t, err)
	require.NotNil(t, key.ExpiresAt)

	want := time.Now().Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, want, *key.ExpiresAt, time.Minute)
}

func TestGenerateDuplicate(t *testing.T) {
	s := New(DefaultOptions())

	_, err := s.Generate("k1", contracts.AlgEd25519, "")
	require.NoError(t, err)

	_, err = s.Generate("k1", contracts.AlgSecp256k1, "")
	assert.ErrorIs(t, err, contracts.ErrDuplicateID)
}

func TestGetExcludesRevoked(t *testing.T) {
	s := New(DefaultOptions())
	_, err := s.Generate("k1", contracts.AlgEd25519, "")
	require.NoError(t, err)

	s.Revoke("k1")
	s.Revoke("k1") // idempotent

	_, err = s.Get("k1")
	assert.ErrorIs(t, err, contracts.ErrKeyUnavailable)
}

func TestGetExcludesExpired(t *testing.T) {
	s := New(DefaultOptions())
	_, err := s.Generate("k1", contracts.AlgEd25519, "")
	require.NoError(t, err)

	// Shift the store clock a year forward: the key must be unreadable.
	s.now = func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }

	_, err = s.Get("k1")
	assert.ErrorIs(t, err, contracts.ErrKeyUnavailable)
}

func TestRotatePreservesAlgorithmAndExpiresOld(t *testing.T) {
	s := New(DefaultOptions())
	_, err := s.Generate("k1", contracts.AlgSecp256k1, "secp256k1")
	require.NoError(t, err)

	res, err := s.Rotate("k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", res.OldID)
	assert.Contains(t, res.NewID, "k1_rotated_")

	newKey, err := s.Get(res.NewID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AlgSecp256k1, newKey.Algorithm)
	assert.Equal(t, "secp256k1", newKey.Curve)

	// Old key is expired (not revoked) and therefore unreadable.
	_, err = s.Get("k1")
	assert.ErrorIs(t, err, contracts.ErrKeyUnavailable)
	s.mu.RLock()
	assert.False(t, s.keys["k1"].Revoked)
	s.mu.RUnlock()
}

func TestConcurrentRotateRotatesOnce(t *testing.T) {
	s := New(DefaultOptions())
	_, err := s.Generate("k1", contracts.AlgEd25519, "")
	require.NoError(t, err)

	const rotations = 8
	results := make(chan error, rotations)
	var wg sync.WaitGroup
	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Rotate("k1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	// Exactly one rotation wins; the rest see the already-expired key.
	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, contracts.ErrKeyUnavailable)
		}
	}
	assert.Equal(t, 1, succeeded)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var rotated int
	for id := range s.keys {
		if strings.HasPrefix(id, "k1_rotated_") {
			rotated++
		}
	}
	assert.Equal(t, 1, rotated)
}

func TestKeysDueForRotation(t *testing.T) {
	s := New(Options{KeyRotationDays: 5})
	_, err := s.Generate("soon", contracts.AlgEd25519, "")
	require.NoError(t, err)

	s.opts.KeyRotationDays = 90
	_, err = s.Generate("later", contracts.AlgEd25519, "")
	require.NoError(t, err)

	due := s.KeysDueForRotation()
	require.Len(t, due, 1)
	assert.Equal(t, "soon", due[0].ID)

	// Revoked keys never show up.
	s.Revoke("soon")
	assert.Empty(t, s.KeysDueForRotation())
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, kdf := range []crypto.KDFName{crypto.KDFPBKDF2, crypto.KDFScrypt} {
		t.Run(string(kdf), func(t *testing.T) {
			src := New(DefaultOptions())
			orig, err := src.Generate("bridge-signing", contracts.AlgEd25519, "")
			require.NoError(t, err)

			bundle, err := src.Export("bridge-signing", "hunter2", kdf)
			require.NoError(t, err)
			assert.NotEmpty(t, bundle.EncryptedPrivate)
			assert.NotContains(t, bundle.EncryptedPrivate, orig.PrivateKey)

			dst := New(DefaultOptions())
			restored, err := dst.ImportExported(bundle, "hunter2")
			require.NoError(t, err)

			// The restored keypair must be observationally equivalent:
			// a signature from the restored private key verifies against
			// the original public key.
			msg := []byte("equivalence check")
			rec, err := crypto.Sign(msg, restored)
			require.NoError(t, err)
			ok, err := crypto.Verify(rec, msg, orig.PublicKey)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestImportExportedWrongPassword(t *testing.T) {
	src := New(DefaultOptions())
	_, err := src.Generate("k1", contracts.AlgEd25519, "")
	require.NoError(t, err)

	bundle, err := src.Export("k1", "right", crypto.KDFPBKDF2)
	require.NoError(t, err)

	dst := New(DefaultOptions())
	_, err = dst.ImportExported(bundle, "wrong")
	assert.Error(t, err)
}

func TestImportWithoutPrivateMaterial(t *testing.T) {
	s := New(DefaultOptions())
	pub, _, err := crypto.GenerateKeypair(contracts.AlgEd25519)
	require.NoError(t, err)

	key, err := s.Import("verify-only", pub, "", contracts.AlgEd25519)
	require.NoError(t, err)
	assert.Empty(t, key.PrivateKey)

	_, err = s.Export("verify-only", "pw", crypto.KDFPBKDF2)
	assert.ErrorIs(t, err, contracts.ErrKeyUnavailable)
}
