package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrInvalidKeySize   = errors.New("crypto: invalid key size")
)

// SealX encrypts plaintext with XChaCha20-Poly1305 under key using the given
// 24-byte nonce. The result is ciphertext || tag.
func SealX(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("crypto: invalid XChaCha20 nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenX reverses SealX. Any authentication failure yields ErrDecryptionFailed
// and a nil plaintext.
func OpenX(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != chacha20poly1305.NonceSizeX || len(ciphertext) < aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// WrappedKeySize is the size of a 32-byte key wrapped by WrapKey.
const WrappedKeySize = chacha20poly1305.KeySize + chacha20poly1305.Overhead

// WrapKey seals a 32-byte key under a single-use key-encryption key.
// The nonce is all zero: every KEK is derived from a fresh ephemeral agreement
// and never seals twice.
func WrapKey(kek, key, additionalData []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], key, additionalData), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(kek, wrapped, additionalData []byte) ([]byte, error) {
	if len(wrapped) != WrappedKeySize {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	var nonce [chacha20poly1305.NonceSize]byte
	key, err := aead.Open(nil, nonce[:], wrapped, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return key, nil
}
