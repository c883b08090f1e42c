// Package crypto holds the primitives behind envelope encryption: random key
// material, HKDF key derivation, AES-256-GCM sealing and key wrapping.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of root keys, KEKs and DEKs.
const KeySize = 32

// ErrOpen is returned when authenticated decryption fails for any reason.
var ErrOpen = errors.New("crypto: message authentication failed")

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("random length must be positive, got %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// GenerateRootKey generates the master key that the KEK is derived from.
func GenerateRootKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// GenerateDEK generates a fresh per-package data encryption key.
func GenerateDEK() ([]byte, error) {
	return RandomBytes(KeySize)
}

// DeriveKEK derives a key encryption key from the root key using HKDF-SHA256.
func DeriveKEK(rootKey []byte, info string) ([]byte, error) {
	if len(rootKey) != KeySize {
		return nil, fmt.Errorf("root key must be %d bytes, got %d", KeySize, len(rootKey))
	}
	kek := make([]byte, KeySize)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(info))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with AES-256-GCM, authenticating aad alongside it.
func Seal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// Open reverses Seal. Any tampering with ciphertext, nonce or aad yields ErrOpen.
func Open(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrOpen
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// WrapKey encrypts a DEK under the KEK. The nonce is prepended to the output.
func WrapKey(kek, dek, aad []byte) ([]byte, error) {
	ct, nonce, err := Seal(kek, dek, aad)
	if err != nil {
		return nil, fmt.Errorf("wrapping DEK: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(kek, wrapped, aad []byte) ([]byte, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(wrapped) < n+gcm.Overhead() {
		return nil, ErrOpen
	}
	dek, err := gcm.Open(nil, wrapped[:n], wrapped[n:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return dek, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
