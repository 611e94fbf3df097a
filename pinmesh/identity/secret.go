package identity

import (
	"errors"
	"sync"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

var (
	ErrKeyUnavailable = errors.New("identity: key material has been released")
	ErrInvalidSeed    = errors.New("identity: root secret must be 32 bytes")
)

// SecretSize is the size of a root secret.
const SecretSize = 32

// Secret holds the root secret. The bytes are only reachable inside Use and
// are zeroed by Release.
type Secret struct {
	mu       sync.RWMutex
	b        []byte
	released bool
}

// NewSecret copies b into a new holder. The caller should zero its copy.
func NewSecret(b []byte) (*Secret, error) {
	if len(b) != SecretSize {
		return nil, ErrInvalidSeed
	}
	s := &Secret{b: make([]byte, SecretSize)}
	copy(s.b, b)
	return s, nil
}

// Use calls fn with the secret bytes. fn must not retain the slice.
func (s *Secret) Use(fn func(secret []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return ErrKeyUnavailable
	}
	return fn(s.b)
}

// Release zeroes the secret. It is safe to call more than once.
func (s *Secret) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	pmcrypto.Zero(s.b)
	s.released = true
}

// Released reports whether Release has been called.
func (s *Secret) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}
