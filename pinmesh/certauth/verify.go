package certauth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

const (
	// MaxChainDepth is the default bound on chain length, root included.
	MaxChainDepth = 3

	// DefaultCacheSize is the default number of verified signatures remembered.
	DefaultCacheSize = 1024
)

// Verifier checks certificate chains against a TrustStore.
type Verifier struct {
	maxDepth int
	cache    *lru.Cache[[32]byte, struct{}]
}

type VerifierOption func(*Verifier) error

// WithMaxDepth overrides MaxChainDepth.
func WithMaxDepth(n int) VerifierOption {
	return func(v *Verifier) error {
		if n < 1 {
			return fmt.Errorf("certauth: max depth must be positive, got %d", n)
		}
		v.maxDepth = n
		return nil
	}
}

// WithCacheSize enables a cache of verified signature digests. Zero disables it.
func WithCacheSize(n int) VerifierOption {
	return func(v *Verifier) error {
		if n <= 0 {
			v.cache = nil
			return nil
		}
		c, err := lru.New[[32]byte, struct{}](n)
		if err != nil {
			return err
		}
		v.cache = c
		return nil
	}
}

func NewVerifier(opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{maxDepth: MaxChainDepth}
	for _, o := range opts {
		if err := o(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Verify checks chain with an uncached verifier at the default depth.
func Verify(chain Chain, ts *TrustStore, now time.Time) (identity.NodeID, error) {
	v := &Verifier{maxDepth: MaxChainDepth}
	return v.Verify(chain, ts, now)
}

// Verify validates every link of chain (signature, validity window, issuer
// linkage), bounds its depth and then checks the root against ts, pinning it
// when trust on first use applies. It returns the leaf subject. Every subject
// must be the NodeID of its own key, so an issuer can vouch for other nodes
// but never name one whose key it does not hold.
func (v *Verifier) Verify(chain Chain, ts *TrustStore, now time.Time) (identity.NodeID, error) {
	if len(chain) == 0 {
		return identity.NodeID{}, fmt.Errorf("%w: empty chain", ErrMalformedCertificate)
	}
	if len(chain) > v.maxDepth {
		return identity.NodeID{}, fmt.Errorf("%w: %d > %d", ErrChainTooDeep, len(chain), v.maxDepth)
	}

	for i, c := range chain {
		if c == nil || c.Version != Version || len(c.SubjectKey) != ed25519.PublicKeySize {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w", i, ErrMalformedCertificate)
		}

		if identity.NodeIDFromPublicKey(c.SubjectKey) != c.Subject {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w: %w", i, ErrUntrustedPeer, ErrKeyMismatch)
		}

		last := i+1 == len(chain)
		if last && !c.IsRoot() {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w: chain does not end in a root", i, ErrBrokenChain)
		}
		signer := c.SubjectKey
		if !last {
			signer = chain[i+1].SubjectKey
		}
		if !v.checkSignature(c, signer) {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w", i, ErrInvalidSignature)
		}

		if now.Before(c.NotBefore) {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w", i, ErrNotYetValid)
		}
		if now.After(c.NotAfter) {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w", i, ErrExpiredCertificate)
		}

		if !last && c.Issuer != chain[i+1].Subject {
			return identity.NodeID{}, fmt.Errorf("certificate %d: %w", i, ErrBrokenChain)
		}
	}

	root := chain[len(chain)-1]
	if err := ts.CheckAndPin(root.Subject, root.SubjectKey); err != nil {
		return identity.NodeID{}, err
	}
	return chain[0].Subject, nil
}

func (v *Verifier) checkSignature(c *Certificate, signer ed25519.PublicKey) bool {
	if len(signer) != ed25519.PublicKeySize || len(c.Signature) != ed25519.SignatureSize {
		return false
	}
	signed := c.SignedBytes()
	if v.cache == nil {
		return ed25519.Verify(signer, signed, c.Signature)
	}

	h := sha256.New()
	h.Write(signer)
	h.Write(signed)
	h.Write(c.Signature)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	if v.cache.Contains(digest) {
		return true
	}
	if !ed25519.Verify(signer, signed, c.Signature) {
		return false
	}
	v.cache.Add(digest, struct{}{})
	return true
}
