package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// CSRFTokenLength is the number of random bytes in a CSRF token (256 bits)
	CSRFTokenLength = 32
	// previewLength is the number of hex chars exposed by TokenPreview
	previewLength = 8
)

// HashToken computes the SHA256 hash of a token for storage and lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// TokenPreview returns a short fingerprint of a token that is safe to log.
// It is a prefix of the hash, not of the token itself.
func TokenPreview(token string) string {
	if token == "" {
		return ""
	}
	return HashToken(token)[:previewLength]
}

// SecretPreview returns a short fingerprint of signing material for diagnostics
func SecretPreview(secret []byte) string {
	if len(secret) == 0 {
		return ""
	}
	hash := sha256.Sum256(secret)
	return hex.EncodeToString(hash[:])[:previewLength]
}

// GenerateCSRFToken creates a random base64url token for double-submit checks
func GenerateCSRFToken() (string, error) {
	randomBytes := make([]byte, CSRFTokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// ConstantTimeEqual compares two tokens without leaking timing
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
