package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotInitialized is returned by a zero Sealer
var ErrNotInitialized = errors.New("encryption not initialized")

// Sealer encrypts session tokens at rest with AES-256-GCM
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 32-byte key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Load builds the application sealer.
// ENCRYPTION_KEY wins when set (development and CI); otherwise the key lives in
// the OS keychain and is generated on first use.
func Load() (*Sealer, error) {
	if secret := os.Getenv("ENCRYPTION_KEY"); secret != "" {
		return NewSealer(DeriveKey(secret))
	}

	key, err := LoadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewSealer(key)
}

// DeriveKey turns a configured secret into an AES-256 key. A base64 value of
// exactly 32 bytes is used as is; anything else is hashed.
func DeriveKey(secret string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil {
		if len(raw) == 32 {
			return raw
		}
		hash := sha256.Sum256(raw)
		return hash[:]
	}
	hash := sha256.Sum256([]byte(secret))
	return hash[:]
}

// EncryptToken returns the base64 nonce||ciphertext of token
func (s *Sealer) EncryptToken(token string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrNotInitialized
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken reverses EncryptToken
func (s *Sealer) DecryptToken(encoded string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrNotInitialized
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
