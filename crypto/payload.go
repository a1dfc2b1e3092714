package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidPayloadKey = errors.New("crypto: payload key must be 32 bytes")
	ErrInvalidNonce      = errors.New("crypto: invalid payload nonce length")
	ErrPayloadAuth       = errors.New("crypto: payload authentication failed")
)

// PayloadCipher seals mempool payloads with XChaCha20-Poly1305. The
// transaction ID is bound as associated data so a ciphertext cannot be
// replayed under another ID.
type PayloadCipher struct {
	aead cipher.AEAD
}

// NewPayloadCipher creates a cipher from a 32-byte key.
func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidPayloadKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return &PayloadCipher{aead: aead}, nil
}

// NewPayloadCipherHex creates a cipher from a hex-encoded key.
func NewPayloadCipherHex(s string) (*PayloadCipher, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode payload key: %w", err)
	}
	return NewPayloadCipher(key)
}

// GeneratePayloadKey returns a fresh random key.
func GeneratePayloadKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under a random nonce.
func (c *PayloadCipher) Seal(plaintext, associated []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, c.aead.Seal(nil, nonce, plaintext, associated), nil
}

// Open authenticates and decrypts a payload produced by Seal.
func (c *PayloadCipher) Open(nonce, ciphertext, associated []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidNonce
	}
	pt, err := c.aead.Open(nil, nonce, ciphertext, associated)
	if err != nil {
		return nil, ErrPayloadAuth
	}
	return pt, nil
}
