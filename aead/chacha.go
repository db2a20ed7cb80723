package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaChaPoly1305Encryptor is the default control-channel stage named
// in §4.6: an AEAD keyed by a per-connection key derived from a
// pre-shared secret via HKDF-SHA256 (see DeriveKey). It stores a
// random 12-byte nonce ahead of the sealed ciphertext, the way the
// teacher's obf package prefixes transport datagrams with routing
// metadata before the payload.
type ChaChaPoly1305Encryptor struct {
	aead cipher.AEAD
}

// NewChaChaPoly1305Encryptor constructs a stage from a 32-byte key.
func NewChaChaPoly1305Encryptor(key [32]byte) (*ChaChaPoly1305Encryptor, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: init chacha20poly1305: %w", err)
	}
	return &ChaChaPoly1305Encryptor{aead: a}, nil
}

// Encrypt seals buf[:length] in place, prefixing the nonce. The
// caller's buf must have spare capacity for
// NonceSize+length+Overhead bytes.
func (e *ChaChaPoly1305Encryptor) Encrypt(buf []byte, length int) (int, error) {
	nonceSize := e.aead.NonceSize()
	overhead := e.aead.Overhead()
	needed := nonceSize + length + overhead
	if cap(buf) < needed {
		return 0, fmt.Errorf("aead: encrypt needs capacity %d, have %d", needed, cap(buf))
	}

	plaintext := make([]byte, length)
	copy(plaintext, buf[:length])

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return 0, fmt.Errorf("aead: generate nonce: %w", err)
	}

	sealed := e.aead.Seal(buf[nonceSize:nonceSize], nonce, plaintext, nil)
	copy(buf, nonce)
	return nonceSize + len(sealed), nil
}

// MaxOutputLength reports the sealed size for a plaintext of length.
func (e *ChaChaPoly1305Encryptor) MaxOutputLength(length int) int {
	return e.aead.NonceSize() + length + e.aead.Overhead()
}

// Decrypt opens buf[:length] in place, consuming the leading nonce.
func (e *ChaChaPoly1305Encryptor) Decrypt(buf []byte, length int) (int, error) {
	nonceSize := e.aead.NonceSize()
	if length < nonceSize+e.aead.Overhead() {
		return 0, fmt.Errorf("aead: ciphertext too short")
	}
	nonce := make([]byte, nonceSize)
	copy(nonce, buf[:nonceSize])
	ciphertext := make([]byte, length-nonceSize)
	copy(ciphertext, buf[nonceSize:length])

	plain, err := e.aead.Open(buf[:0], nonce, ciphertext, nil)
	if err != nil {
		return 0, fmt.Errorf("aead: open: %w", err)
	}
	return len(plain), nil
}
