// Package crypto encrypts individual output fields with AES-256-GCM.
//
// Wire format of an encrypted value: base64(nonce || ciphertext || tag) using
// the standard alphabet with padding, where nonce is 12 random bytes and tag
// is the 16-byte GCM tag. Consumers decrypt by splitting off the first 12
// bytes and opening the remainder with the shared key and no additional data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	dErrors "cardreader/pkg/domain-errors"
)

const (
	KeySize   = 32
	NonceSize = 12
)

// Cipher is an immutable field encryptor. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher derives the AEAD once from a 256-bit key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, dErrors.New(dErrors.CodeEncryptionConfig, fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionConfig, "create block cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionConfig, "create gcm")
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// ParseKey decodes a base64 key from configuration or the environment.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, dErrors.New(dErrors.CodeEncryptionConfig, "encryption enabled but no key configured")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionConfig, "encryption key is not valid base64")
	}
	if len(key) != KeySize {
		return nil, dErrors.New(dErrors.CodeEncryptionConfig, fmt.Sprintf("encryption key must decode to %d bytes, got %d", KeySize, len(key)))
	}
	return key, nil
}

// GenerateKey returns a fresh base64 key suitable for ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext string) (string, error) {
	buf := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	buf = c.aead.Seal(buf, buf[:NonceSize], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < NonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	plain, err := c.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}
