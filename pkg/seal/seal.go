// Package seal encrypts small secrets before they are written to the
// database.
//
// Fallback-source tokens and per-user upstream tokens are stored encrypted
// at rest using Fernet framing (AES-CBC + HMAC-SHA256, base64url encoded).
// The key comes from the DATABASE_KEY setting: 64 hex characters decoding
// to the 32 raw key bytes Fernet splits into its signing and encryption
// halves.
//
// Sealed values are self-authenticating: Open rejects anything that was
// not produced with the same key, so a swapped or edited column surfaces
// as an error instead of garbage plaintext.
package seal

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidValue is returned by Open when the sealed value is malformed or
// fails authentication.
var ErrInvalidValue = errors.New("sealed value is invalid")

// Sealer encrypts and decrypts secrets with a single symmetric key.
// Safe for concurrent use.
type Sealer struct {
	key *fernet.Key
}

// New builds a Sealer from a hex-encoded 32-byte key.
func New(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("database key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("database key must be 32 bytes, got %d", len(raw))
	}

	var key fernet.Key
	copy(key[:], raw)
	return &Sealer{key: &key}, nil
}

// Seal encrypts plaintext and returns the base64url Fernet token.
func (s *Sealer) Seal(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("sealing value: %w", err)
	}
	return string(tok), nil
}

// Open authenticates and decrypts a sealed value. Sealed tokens do not
// expire; rotation happens by re-sealing under a new key.
func (s *Sealer) Open(sealed string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(sealed), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidValue
	}
	return string(msg), nil
}
