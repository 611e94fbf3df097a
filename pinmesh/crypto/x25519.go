package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair represents an ECDH keypair.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")
)

// GenerateX25519 generates a new ephemeral X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return X25519KeyPair{}, err
	}
	Clamp(&kp.PrivateKey)
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// X25519FromSeed builds a keypair from 32 bytes of derived key material.
func X25519FromSeed(seed []byte) (X25519KeyPair, error) {
	var kp X25519KeyPair
	if len(seed) != 32 {
		return kp, ErrInvalidKeySize
	}
	copy(kp.PrivateKey[:], seed)
	Clamp(&kp.PrivateKey)
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// Clamp clamps a private scalar per RFC 7748.
func Clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Wipe zeroes the private half.
func (kp *X25519KeyPair) Wipe() {
	Zero(kp.PrivateKey[:])
}

// ECDH computes the shared secret using X25519.
// Returns 32 bytes of raw shared secret (should be passed to HKDF).
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrInvalidPublicKey
	}
	// curve25519.X25519 rejects low-order points (all-zero output).
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}

// Zero overwrites b with zeros.
//
//go:noinline
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(&b)
}
