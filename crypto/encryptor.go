// Package crypto provides the payload encryption contract used by the
// persistence queue, plus an AES-256-GCM implementation. Encryption failures
// are security-classified errors and are reported, never swallowed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrKeyRequired indicates the encryptor was built without a master key
var ErrKeyRequired = errors.New("crypto: master key is required")

// Encryptor encrypts queue payloads before they touch durable storage.
// KeyID is derived from the operation ID so each operation's payload is
// sealed under its own derived key.
type Encryptor interface {
	Encrypt(plaintext []byte, keyID string) ([]byte, error)
	Decrypt(ciphertext []byte, keyID string) ([]byte, error)
}

// AESEncryptor seals payloads with AES-256-GCM. Per-operation keys are
// derived as SHA-256(masterKey || keyID); the random nonce is prepended to
// the ciphertext.
type AESEncryptor struct {
	masterKey []byte
	rand      io.Reader
}

// AESOption configures the AES encryptor.
type AESOption func(*AESEncryptor)

// WithRandReader substitutes the nonce randomness source.
func WithRandReader(r io.Reader) AESOption {
	return func(e *AESEncryptor) { e.rand = r }
}

// NewAESEncryptor creates an encryptor from a master key.
func NewAESEncryptor(masterKey []byte, options ...AESOption) (*AESEncryptor, error) {
	if len(masterKey) == 0 {
		return nil, ErrKeyRequired
	}

	e := &AESEncryptor{
		masterKey: append([]byte(nil), masterKey...),
		rand:      rand.Reader,
	}

	for _, opt := range options {
		opt(e)
	}

	return e, nil
}

func (e *AESEncryptor) gcm(keyID string) (cipher.AEAD, error) {
	key := sha256.Sum256(append(append([]byte(nil), e.masterKey...), []byte(keyID)...))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("encryption_error: cipher init: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption_error: gcm init: %w", err)
	}

	return gcm, nil
}

// Encrypt seals plaintext under the key derived from keyID.
func (e *AESEncryptor) Encrypt(plaintext []byte, keyID string) ([]byte, error) {
	gcm, err := e.gcm(keyID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("encryption_error: nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same keyID.
func (e *AESEncryptor) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	gcm, err := e.gcm(keyID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("decryption_error: ciphertext too short")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption_error: %w", err)
	}

	return plaintext, nil
}

// Noop passes payloads through unchanged. Only for tests and for
// deployments that disable encryption explicitly.
type Noop struct{}

// Encrypt returns the plaintext unchanged.
func (Noop) Encrypt(plaintext []byte, _ string) ([]byte, error) { return plaintext, nil }

// Decrypt returns the ciphertext unchanged.
func (Noop) Decrypt(ciphertext []byte, _ string) ([]byte, error) { return ciphertext, nil }
