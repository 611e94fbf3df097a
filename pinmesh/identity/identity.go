package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

const (
	hkdfInfoSigning   = "pinmesh/signing/v1"
	hkdfInfoAgreement = "pinmesh/agreement/v1"
)

var errUnsupportedHash = errors.New("identity: ed25519 signer requires crypto.Hash(0)")

// KeyKind tells which algebra a derived key belongs to.
type KeyKind uint8

const (
	KindSigning   KeyKind = iota + 1 // Ed25519
	KindAgreement                    // X25519
)

func (k KeyKind) String() string {
	switch k {
	case KindSigning:
		return "signing"
	case KindAgreement:
		return "agreement"
	default:
		return fmt.Sprintf("KeyKind(%d)", uint8(k))
	}
}

// KeyPair is a derived subkey. The holder owns PrivateKey and should Wipe it.
type KeyPair struct {
	Kind       KeyKind
	Path       Path
	PublicKey  []byte
	PrivateKey []byte
}

func (kp *KeyPair) Wipe() {
	pmcrypto.Zero(kp.PrivateKey)
}

// Identity is a node identity: root secret, derivation scheme and the cached
// public half of the root signing and agreement keys.
type Identity struct {
	secret       *Secret
	scheme       Scheme
	nodeID       NodeID
	signingPub   ed25519.PublicKey
	agreementPub [32]byte
}

type Option func(*Identity)

// WithScheme replaces the default path scheme.
func WithScheme(s Scheme) Option {
	return func(id *Identity) { id.scheme = s }
}

// CreateIdentity generates a fresh root secret from crypto/rand.
func CreateIdentity(opts ...Option) (*Identity, error) {
	seed := make([]byte, SecretSize)
	defer pmcrypto.Zero(seed)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return FromSeed(seed, opts...)
}

// FromSeed rebuilds an identity from a stored root secret. seed is copied.
func FromSeed(seed []byte, opts ...Option) (*Identity, error) {
	secret, err := NewSecret(seed)
	if err != nil {
		return nil, err
	}
	id := &Identity{secret: secret, scheme: DefaultScheme()}
	for _, o := range opts {
		o(id)
	}
	if err := id.scheme.Validate(); err != nil {
		secret.Release()
		return nil, err
	}

	signing, err := id.derive(id.scheme.Signing, KindSigning)
	if err != nil {
		secret.Release()
		return nil, err
	}
	signing.Wipe()
	id.signingPub = ed25519.PublicKey(signing.PublicKey)
	id.nodeID = NodeIDFromPublicKey(signing.PublicKey)

	agreement, err := id.derive(id.scheme.Agreement, KindAgreement)
	if err != nil {
		secret.Release()
		return nil, err
	}
	agreement.Wipe()
	copy(id.agreementPub[:], agreement.PublicKey)
	return id, nil
}

func (id *Identity) NodeID() NodeID { return id.nodeID }

func (id *Identity) Scheme() Scheme { return id.scheme }

// SigningPublicKey returns the root signing key that NodeID hashes.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.signingPub))
	copy(out, id.signingPub)
	return out
}

// AgreementPublicKey returns the X25519 key at the scheme's agreement path.
func (id *Identity) AgreementPublicKey() [32]byte { return id.agreementPub }

// Derive returns the subkey at path. The scheme's agreement path yields an
// X25519 pair, every other path an Ed25519 pair.
func (id *Identity) Derive(path string) (KeyPair, error) {
	p, err := id.scheme.Resolve(path)
	if err != nil {
		return KeyPair{}, err
	}
	kind := KindSigning
	if p.Equal(id.scheme.Agreement) {
		kind = KindAgreement
	}
	return id.derive(p, kind)
}

func (id *Identity) derive(p Path, kind KeyKind) (KeyPair, error) {
	var kp KeyPair
	err := id.secret.Use(func(secret []byte) error {
		node, err := derivePath(secret, p)
		if err != nil {
			return err
		}
		defer pmcrypto.Zero(node[:])

		info := hkdfInfoSigning
		if kind == KindAgreement {
			info = hkdfInfoAgreement
		}
		seed, err := pmcrypto.DeriveKey(node[:], nil, []byte(info), 32)
		if err != nil {
			return err
		}
		defer pmcrypto.Zero(seed)

		switch kind {
		case KindAgreement:
			x, err := pmcrypto.X25519FromSeed(seed)
			if err != nil {
				return err
			}
			kp = KeyPair{Kind: kind, Path: p, PublicKey: x.PublicKey[:], PrivateKey: x.PrivateKey[:]}
		default:
			priv := ed25519.NewKeyFromSeed(seed)
			pub := priv.Public().(ed25519.PublicKey)
			kp = KeyPair{Kind: kind, Path: p, PublicKey: pub, PrivateKey: priv}
		}
		return nil
	})
	return kp, err
}

// Sign signs msg with the Ed25519 key at path.
func (id *Identity) Sign(path string, msg []byte) ([]byte, error) {
	p, err := id.scheme.Resolve(path)
	if err != nil {
		return nil, err
	}
	kp, err := id.derive(p, KindSigning)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	return ed25519.Sign(ed25519.PrivateKey(kp.PrivateKey), msg), nil
}

// VerifySignature reports whether sig is a valid Ed25519 signature of msg.
func VerifySignature(publicKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, msg, sig)
}

// Agree computes the raw X25519 shared secret between the agreement key at
// path and peerPub. Pass the result through a KDF.
func (id *Identity) Agree(path string, peerPub [32]byte) ([]byte, error) {
	p, err := id.scheme.Resolve(path)
	if err != nil {
		return nil, err
	}
	kp, err := id.derive(p, KindAgreement)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	var priv [32]byte
	copy(priv[:], kp.PrivateKey)
	defer pmcrypto.Zero(priv[:])
	return pmcrypto.ECDH(priv, peerPub)
}

// Signer returns a crypto.Signer for the Ed25519 key at path. The private key
// is derived for each signature and zeroed afterwards.
func (id *Identity) Signer(path string) (crypto.Signer, error) {
	p, err := id.scheme.Resolve(path)
	if err != nil {
		return nil, err
	}
	kp, err := id.derive(p, KindSigning)
	if err != nil {
		return nil, err
	}
	kp.Wipe()
	return &scopedSigner{id: id, path: p, pub: ed25519.PublicKey(kp.PublicKey)}, nil
}

// Release zeroes the root secret. Later derivations fail with ErrKeyUnavailable.
func (id *Identity) Release() { id.secret.Release() }

func (id *Identity) Released() bool { return id.secret.Released() }

type scopedSigner struct {
	id   *Identity
	path Path
	pub  ed25519.PublicKey
}

func (s *scopedSigner) Public() crypto.PublicKey { return s.pub }

func (s *scopedSigner) Sign(_ io.Reader, message []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.Hash(0) {
		return nil, errUnsupportedHash
	}
	kp, err := s.id.derive(s.path, KindSigning)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	return ed25519.Sign(ed25519.PrivateKey(kp.PrivateKey), message), nil
}

// UseSecret lends the root secret to fn, for a key store to persist it. fn
// must not retain the slice.
func (id *Identity) UseSecret(fn func(secret []byte) error) error { return id.secret.Use(fn) }
