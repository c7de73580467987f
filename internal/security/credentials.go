// Package security provides at-rest encryption for stored portal
// credentials. Credentials are sealed with NaCl secretbox and decrypted
// only at the moment a vendor call needs them; the plaintext never touches
// the database, logs, or the execution ledger payloads.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"billfetch/internal/types"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Credential is the decrypted shape of a portal login.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Extra holds vendor-specific fields (security answers, portal IDs)
	// as an opaque string map; core logic never interprets them.
	Extra map[string]string `json:"extra,omitempty"`
}

// Sealer seals and opens credential blobs with a single symmetric key.
type Sealer struct {
	key [keySize]byte
}

// NewSealer builds a Sealer from the hex-encoded 32-byte key in config.
func NewSealer(hexKey types.SecretString) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey.Unmask())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "credential key is not valid hex", err)
	}
	if len(raw) != keySize {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto,
			fmt.Sprintf("credential key must be %d bytes, got %d", keySize, len(raw)), nil)
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts a credential. The random nonce is prepended to the
// ciphertext so the blob is self-contained.
func (s *Sealer) Seal(c *Credential) ([]byte, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "failed to marshal credential", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "failed to generate nonce", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a sealed credential blob.
func (s *Sealer) Open(sealed []byte) (*Credential, error) {
	if len(sealed) < nonceSize {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "sealed credential too short", nil)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "failed to open sealed credential", nil)
	}

	var c Credential
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCrypto, "failed to unmarshal credential", err)
	}
	return &c, nil
}
