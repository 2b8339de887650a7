// Package encryption provides symmetric encryption of secret values handled by tasks.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when decrypting without an encryption key.
var ErrNotConfigured = errors.New("encryption key is not configured")

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCM encrypts with AES in Galois/Counter mode. Ciphertexts are the base64 encoding of the
// random nonce followed by the sealed data.
type AESGCM struct {
	aead cipher.AEAD
}

var _ Encrypter = (*AESGCM)(nil)

// NewAESGCM creates an encrypter for a 16, 24, or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

// NewAESGCMFromBase64 creates an encrypter from a base64 encoded key, as found in configuration.
func NewAESGCMFromBase64(key string) (*AESGCM, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}

	return NewAESGCM(b)
}

func (e *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESGCM) Decrypt(ciphertext string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	ns := e.aead.NonceSize()
	if len(b) < ns {
		return "", errors.New("ciphertext too short")
	}

	plain, err := e.aead.Open(nil, b[:ns], b[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plain), nil
}
