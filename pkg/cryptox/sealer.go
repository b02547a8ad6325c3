package cryptox

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters used to stretch a sealing secret into a key.
const (
	sealIterations  = 1
	sealMemory      = 64 * 1024
	sealParallelism = 4

	// SaltSize is the recommended salt length for NewSealer.
	SaltSize = 16
)

var (
	ErrEmptySecret      = errors.New("cryptox: empty sealing secret")
	ErrCiphertextShort  = errors.New("cryptox: ciphertext too short")
	ErrDecryptionFailed = errors.New("cryptox: decryption failed")
)

// Sealer encrypts small values with XChaCha20-Poly1305 under a key derived
// from a secret with Argon2id. The output format is [24-byte nonce][ciphertext+tag].
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from secret and salt and returns a Sealer.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := argon2.IDKey(secret, salt, sealIterations, sealMemory, sealParallelism, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext with a fresh random nonce. additional is
// authenticated but not encrypted; callers bind the storage key here.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts data produced by Seal with the same additional data.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, ErrCiphertextShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
