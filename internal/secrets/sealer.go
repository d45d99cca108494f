// Package secrets seals group wallet secrets before they reach a store.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "v1:"

// ErrOpen is returned when a sealed value cannot be decrypted.
var ErrOpen = errors.New("cannot open sealed secret")

// Sealer encrypts wallet secrets with AES-256-GCM under a key derived from
// the configured master key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the encryption key from masterKey with HKDF-SHA256.
// masterKey must be at least 16 bytes.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("seal key must be at least 16 bytes, got %d", len(masterKey))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, []byte("tontine-manager"), []byte("wallet-secret")), key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The wallet address is bound as additional data so
// a sealed secret cannot be moved to another group's wallet.
func (s *Sealer) Seal(address, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(address))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal for the same address.
func (s *Sealer) Open(address, sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrOpen)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if len(ciphertext) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrOpen)
	}

	nonce := ciphertext[:s.aead.NonceSize()]
	ciphertext = ciphertext[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(address))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return string(plaintext), nil
}
