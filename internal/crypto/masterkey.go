// Package crypto implements master key provisioning for client-side field encryption.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/and161185/harvester/internal/errs"
)

// Argon2id parameters (tuned for an interactive desktop prompt).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1

	// KeyLen is the master key size in bytes.
	KeyLen = 32
	// SaltLen is the recommended passphrase salt size.
	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewMasterKey returns a fresh random master key.
func NewMasterKey() ([]byte, error) { return RandBytes(KeyLen) }

// DeriveMasterKey returns the Argon2id master key for passphrase and salt.
func DeriveMasterKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// EncodeKey renders a key for config files.
func EncodeKey(key []byte) string { return base64.StdEncoding.EncodeToString(key) }

// DecodeKey parses a base64 master key. An empty string yields ErrNoEncryptionKey.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errs.ErrNoEncryptionKey
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", errs.ErrValidation, KeyLen, len(key))
	}
	return key, nil
}
