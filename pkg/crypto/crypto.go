// Package crypto provides session signing key management.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SigningKeySize is the length of an HS256 signing key in bytes.
const SigningKeySize = 32

var ErrWeakPassphrase = errors.New("crypto: passphrase must be at least 16 bytes")

// GenerateKey generates a random signing key. Tokens signed with it do not
// survive a restart.
func GenerateKey() ([]byte, error) {
	key := make([]byte, SigningKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// DeriveSigningKey stretches a configured passphrase into a signing key
// using Argon2id, so every replica given the same passphrase and salt signs
// with the same key.
func DeriveSigningKey(passphrase string, salt []byte) ([]byte, error) {
	if len(passphrase) < 16 {
		return nil, ErrWeakPassphrase
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, SigningKeySize), nil
}

// Fingerprint returns a short SHA-256 fingerprint of a key, safe to log.
func Fingerprint(key []byte) string {
	h := sha256.Sum256(key)
	return fmt.Sprintf("%x", h[:6])
}
