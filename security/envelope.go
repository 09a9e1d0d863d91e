package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrEnvelopeUnavailable indicates the key service backing the envelope
// cannot be reached. Callers must fail the operation in flight; falling
// back to plaintext storage is never an option.
var ErrEnvelopeUnavailable = errors.New("crypto envelope unavailable")

// Envelope performs authenticated encryption of token material before it
// is persisted. Implementations may hold the key locally or delegate to
// an external key-management service; the context carries the deadline
// for remote calls.
type Envelope interface {
	// Encrypt seals plaintext and returns an opaque ciphertext string.
	Encrypt(ctx context.Context, plaintext string) (string, error)

	// Decrypt opens a ciphertext produced by Encrypt.
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// AESEnvelope is a local Envelope using AES-256-GCM. The nonce is
// prepended to the ciphertext and the result base64-encoded, so the
// stored blob is self-contained.
type AESEnvelope struct {
	aead cipher.AEAD
}

var _ Envelope = (*AESEnvelope)(nil)

// NewAESEnvelope creates an envelope from a 32-byte AES-256 key.
func NewAESEnvelope(key []byte) (*AESEnvelope, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESEnvelope{aead: aead}, nil
}

// Encrypt seals plaintext using AES-256-GCM.
func (e *AESEnvelope) Encrypt(_ context.Context, plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal with the nonce slice as destination produces the storage
	// format: [nonce][ciphertext].
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a base64-encoded [nonce][ciphertext] blob.
func (e *AESEnvelope) Decrypt(_ context.Context, encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
