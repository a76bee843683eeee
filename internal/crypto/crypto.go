// Package crypto provides authenticated encryption for block payloads.
//
// Payloads are sealed with AES-256-GCM using a fresh random nonce per call;
// the nonce is prepended to the ciphertext. Decryption verifies the GCM
// authentication tag before returning any plaintext. Key material is held
// only in memory and never persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// kdfIterations is the PBKDF2 iteration count for passphrase-derived keys.
const kdfIterations = 210_000

// ErrDecrypt is returned when a ciphertext fails authentication. No
// plaintext is ever returned alongside this error.
var ErrDecrypt = errors.New("ciphertext authentication failed")

// Codec seals and opens block payloads under a single key.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a raw 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// DeriveKey derives a 32-byte key from a passphrase and salt via
// PBKDF2-SHA-256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, KeySize, sha256.New)
}

// Encrypt seals plaintext and returns nonce||ciphertext||tag.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce||ciphertext||tag, failing with ErrDecrypt if the
// authentication tag does not validate.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
