// Package auth guards the hosted-mode surface. Sidecar deployments run on a
// trusted loopback and skip this entirely; hosted deployments require every
// call to present the configured API key.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey produces the bcrypt hash of a plaintext API key, suitable for
// the auth.api_key_hash config field.
func HashAPIKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether the plaintext key matches the stored bcrypt
// hash.
func VerifyAPIKey(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
