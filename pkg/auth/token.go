package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// tokenBytes is the entropy of generated tokens and session secrets.
// 24 bytes hex-encode to the 48-character tokens clients see.
const tokenBytes = 24

// GenerateToken returns a new random 48-hex credential.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the SHA3-512 hex digest of a credential. This is the
// only form in which credentials are stored or compared.
func HashToken(token string) string {
	sum := sha3.Sum512([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompare reports whether two strings are equal without leaking the
// mismatch position through timing.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken renders a credential safe for display and logs: the first four
// characters followed by "***".
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "***"
	}
	return token[:4] + "***"
}
