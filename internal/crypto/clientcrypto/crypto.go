// Package clientcrypto contains client-side primitives for field encryption and blind indexing.
//
// All keys are derived from a single master key with HKDF-SHA256 (empty salt), one
// info label per purpose. Any consumer that wants to query by index must derive the
// index key the same way and apply the same normalization before BlindIndex.
package clientcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/harvester/internal/errs"
)

// FieldPrefix marks a versioned field ciphertext.
const FieldPrefix = "enc:v1:"

const keyLen = 32

// HKDF info labels.
var (
	infoEnc   = []byte("harvester/field-enc/v1")
	infoNonce = []byte("harvester/field-nonce/v1")
	infoIndex = []byte("harvester/blind-index/v1")
)

// FieldKeys holds the purpose-specific subkeys of a master key.
type FieldKeys struct {
	enc   []byte
	nonce []byte
	index []byte
}

// DeriveFieldKeys derives encryption, nonce and index subkeys from master.
func DeriveFieldKeys(master []byte) (*FieldKeys, error) {
	if len(master) == 0 {
		return nil, errs.ErrNoEncryptionKey
	}
	enc, err := deriveKey(master, infoEnc)
	if err != nil {
		return nil, err
	}
	nonce, err := deriveKey(master, infoNonce)
	if err != nil {
		return nil, err
	}
	index, err := deriveKey(master, infoIndex)
	if err != nil {
		return nil, err
	}
	return &FieldKeys{enc: enc, nonce: nonce, index: index}, nil
}

func deriveKey(master, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptField encrypts plaintext with XChaCha20-Poly1305 and returns enc:v1:<base64(nonce||ct)>.
//
// The nonce is HMAC-SHA256(nonceKey, plaintext) truncated to 24 bytes, so the same
// plaintext and key always produce the same ciphertext.
func EncryptField(k *FieldKeys, plaintext string) (string, error) {
	if k == nil {
		return "", errs.ErrNoEncryptionKey
	}
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, k.nonce)
	mac.Write([]byte(plaintext))
	nonce := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(plaintext), []byte(FieldPrefix))...)
	return FieldPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// DecryptField reverses EncryptField.
func DecryptField(k *FieldKeys, value string) (string, error) {
	if k == nil {
		return "", errs.ErrNoEncryptionKey
	}
	if !IsCiphertext(value) {
		return "", fmt.Errorf("%w: missing %s prefix", errs.ErrBadCiphertext, FieldPrefix)
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, FieldPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrBadCiphertext, err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: too short", errs.ErrBadCiphertext)
	}
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return "", err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], []byte(FieldPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrBadCiphertext, err)
	}
	return string(pt), nil
}

// IsCiphertext reports whether value carries the enc:v1 prefix.
func IsCiphertext(value string) bool { return strings.HasPrefix(value, FieldPrefix) }

// BlindIndex returns hex(HMAC-SHA256(indexKey, normalized)).
func BlindIndex(k *FieldKeys, normalized string) (string, error) {
	if k == nil {
		return "", errs.ErrNoEncryptionKey
	}
	mac := hmac.New(sha256.New, k.index)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
