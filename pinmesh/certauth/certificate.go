package certauth

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

const (
	// Version is the only encoding version this package emits and accepts.
	Version = 1

	// CertificateSize is the encoded size:
	// version(1) | subject(32) | key(32) | notBefore(8) | notAfter(8) | issuer(32) | signature(64).
	CertificateSize = 1 + 32 + 32 + 8 + 8 + 32 + ed25519.SignatureSize

	signedSize = CertificateSize - ed25519.SignatureSize

	// DefaultValidity is used when an issuer passes a zero validity.
	DefaultValidity = 365 * 24 * time.Hour

	// backdate tolerates clock skew between issuer and verifier.
	backdate = time.Minute
)

// Certificate binds an Ed25519 public key to a NodeID, signed by an issuer.
type Certificate struct {
	Version    uint8
	Subject    identity.NodeID
	SubjectKey ed25519.PublicKey
	NotBefore  time.Time
	NotAfter   time.Time
	Issuer     identity.NodeID
	Signature  []byte
}

// Chain is a certificate chain ordered leaf first, root last.
type Chain []*Certificate

// IsRoot reports whether c is self-issued by the key its subject hashes.
func (c *Certificate) IsRoot() bool {
	return c.Issuer == c.Subject && identity.NodeIDFromPublicKey(c.SubjectKey) == c.Subject
}

// SignedBytes returns the encoding of every field the signature covers.
func (c *Certificate) SignedBytes() []byte {
	b := make([]byte, signedSize)
	c.putSigned(b)
	return b
}

func (c *Certificate) putSigned(b []byte) {
	b[0] = c.Version
	copy(b[1:33], c.Subject[:])
	copy(b[33:65], c.SubjectKey)
	binary.BigEndian.PutUint64(b[65:73], uint64(c.NotBefore.Unix()))
	binary.BigEndian.PutUint64(b[73:81], uint64(c.NotAfter.Unix()))
	copy(b[81:113], c.Issuer[:])
}

// Encode returns the fixed-size binary form.
func (c *Certificate) Encode() []byte {
	b := make([]byte, CertificateSize)
	c.putSigned(b)
	copy(b[signedSize:], c.Signature)
	return b
}

// Decode parses the binary form. It checks structure and version only.
func Decode(b []byte) (*Certificate, error) {
	if len(b) != CertificateSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCertificate, len(b))
	}
	if b[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}
	c := &Certificate{
		Version:    b[0],
		SubjectKey: make(ed25519.PublicKey, ed25519.PublicKeySize),
		NotBefore:  time.Unix(int64(binary.BigEndian.Uint64(b[65:73])), 0).UTC(),
		NotAfter:   time.Unix(int64(binary.BigEndian.Uint64(b[73:81])), 0).UTC(),
		Signature:  make([]byte, ed25519.SignatureSize),
	}
	copy(c.Subject[:], b[1:33])
	copy(c.SubjectKey, b[33:65])
	copy(c.Issuer[:], b[81:113])
	copy(c.Signature, b[signedSize:])
	if !c.NotAfter.After(c.NotBefore) {
		return nil, fmt.Errorf("%w: empty validity window", ErrMalformedCertificate)
	}
	return c, nil
}

// EncodeChain encodes each certificate of a chain.
func EncodeChain(chain Chain) [][]byte {
	out := make([][]byte, len(chain))
	for i, c := range chain {
		out[i] = c.Encode()
	}
	return out
}

// DecodeChain decodes a chain received from a peer.
func DecodeChain(raw [][]byte) (Chain, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedCertificate)
	}
	chain := make(Chain, 0, len(raw))
	for i, b := range raw {
		c, err := Decode(b)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// Leaf returns the first certificate, or nil for an empty chain.
func (ch Chain) Leaf() *Certificate {
	if len(ch) == 0 {
		return nil
	}
	return ch[0]
}

type issueConfig struct {
	notBefore time.Time
}

// IssueOption adjusts certificate issuance.
type IssueOption func(*issueConfig)

// WithNotBefore sets the start of the validity window instead of now.
func WithNotBefore(t time.Time) IssueOption {
	return func(c *issueConfig) { c.notBefore = t }
}

// IssueSelfCertificate issues the root certificate of id, signed by its
// signing key.
func IssueSelfCertificate(id *identity.Identity, validity time.Duration, opts ...IssueOption) (*Certificate, error) {
	return issue(id, id.SigningPublicKey(), id.NodeID(), validity, opts)
}

// IssueDelegatedCertificate certifies subjectKey as subjectID under issuer.
// subjectID must be the NodeID of subjectKey.
func IssueDelegatedCertificate(issuer *identity.Identity, subjectKey ed25519.PublicKey, subjectID identity.NodeID, validity time.Duration, opts ...IssueOption) (*Certificate, error) {
	if len(subjectKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: subject key size %d", ErrMalformedCertificate, len(subjectKey))
	}
	if identity.NodeIDFromPublicKey(subjectKey) != subjectID {
		return nil, ErrKeyMismatch
	}
	return issue(issuer, subjectKey, subjectID, validity, opts)
}

func issue(issuer *identity.Identity, subjectKey ed25519.PublicKey, subjectID identity.NodeID, validity time.Duration, opts []IssueOption) (*Certificate, error) {
	cfg := issueConfig{notBefore: time.Now().Add(-backdate)}
	for _, o := range opts {
		o(&cfg)
	}
	if validity <= 0 {
		validity = DefaultValidity
	}

	c := &Certificate{
		Version:    Version,
		Subject:    subjectID,
		SubjectKey: append(ed25519.PublicKey(nil), subjectKey...),
		NotBefore:  cfg.notBefore.Truncate(time.Second).UTC(),
		Issuer:     issuer.NodeID(),
	}
	c.NotAfter = c.NotBefore.Add(validity).Truncate(time.Second)
	if !c.NotAfter.After(c.NotBefore) {
		c.NotAfter = c.NotBefore.Add(time.Second)
	}

	sig, err := issuer.Sign("signing", c.SignedBytes())
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	c.Signature = sig
	return c, nil
}
