// Package envelope encrypts a payload once for several recipients.
//
// The payload is sealed with XChaCha20-Poly1305 under a random content key.
// For each recipient the content key is wrapped under a key-encryption key
// derived from two X25519 agreements: a fresh ephemeral key with the
// recipient, and the sender's static agreement key with the recipient. The
// second agreement authenticates the sender to the recipient.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
	"golang.org/x/crypto/chacha20poly1305"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/compress"
)

var (
	ErrDecryptionFailure = errors.New("envelope: decryption failed")
	ErrNoRecipients      = errors.New("envelope: no recipients")
	ErrTooManyRecipients = errors.New("envelope: too many recipients")
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
)

const (
	// MaxRecipients bounds the entry count of one envelope.
	MaxRecipients = 1024

	// MaxPlaintextSize bounds the decompressed payload.
	MaxPlaintextSize = 64 << 20

	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead
	EntrySize = 32 + 32 + pmcrypto.WrappedKeySize

	kekInfo = "pinmesh/envelope/kek/v1"

	flagRaw byte = 0
	flagLZ4 byte = 1
)

// Recipient is the public half a sender needs: the recipient's node id and
// its agreement key.
type Recipient struct {
	NodeID    identity.NodeID
	PublicKey [32]byte
}

// RecipientOf returns the recipient description of a local identity.
func RecipientOf(id *identity.Identity) Recipient {
	return Recipient{NodeID: id.NodeID(), PublicKey: id.AgreementPublicKey()}
}

// Entry is the content key wrapped for one recipient.
type Entry struct {
	NodeID     identity.NodeID
	Ephemeral  [32]byte
	WrappedKey [pmcrypto.WrappedKeySize]byte
}

// Envelope is an encrypted multi-recipient message.
type Envelope struct {
	SenderKey  [32]byte
	Nonce      [NonceSize]byte
	Entries    []Entry
	Ciphertext []byte
	Tag        [TagSize]byte
}

type options struct {
	compress bool
	level    CompressionLevel
}

type Option func(*options)

// WithCompression LZ4-compresses the payload before sealing. Use it for data
// at rest; skip it for payloads an attacker may partially control.
func WithCompression(level CompressionLevel) Option {
	return func(o *options) {
		o.compress = true
		o.level = level
	}
}

// Encrypt seals plaintext for recipients on behalf of sender.
func Encrypt(sender *identity.Identity, recipients []Recipient, plaintext []byte, opts ...Option) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(recipients) > MaxRecipients {
		return nil, ErrTooManyRecipients
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("envelope: plaintext of %d bytes exceeds %d", len(plaintext), MaxPlaintextSize)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	env := &Envelope{SenderKey: sender.AgreementPublicKey()}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, err
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	defer pmcrypto.Zero(contentKey)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, err
	}

	env.Entries = make([]Entry, 0, len(recipients))
	for _, r := range recipients {
		entry, err := wrapFor(sender, r, contentKey)
		if err != nil {
			return nil, fmt.Errorf("envelope: wrap for %s: %w", r.NodeID.ShortString(), err)
		}
		env.Entries = append(env.Entries, entry)
	}

	body := make([]byte, 0, len(plaintext)+1)
	if o.compress {
		packed, err := compress.Compress(plaintext, o.level)
		if err != nil {
			return nil, fmt.Errorf("envelope: compress: %w", err)
		}
		body = append(append(body, flagLZ4), packed...)
	} else {
		body = append(append(body, flagRaw), plaintext...)
	}
	defer pmcrypto.Zero(body)

	sealed, err := pmcrypto.SealX(contentKey, env.Nonce[:], body, env.header())
	if err != nil {
		return nil, err
	}
	split := len(sealed) - TagSize
	env.Ciphertext = sealed[:split:split]
	copy(env.Tag[:], sealed[split:])
	return env, nil
}

func wrapFor(sender *identity.Identity, r Recipient, contentKey []byte) (Entry, error) {
	eph, err := pmcrypto.GenerateX25519()
	if err != nil {
		return Entry{}, err
	}
	defer eph.Wipe()

	dhEph, err := pmcrypto.ECDH(eph.PrivateKey, r.PublicKey)
	if err != nil {
		return Entry{}, err
	}
	defer pmcrypto.Zero(dhEph)
	dhStatic, err := sender.Agree("agreement", r.PublicKey)
	if err != nil {
		return Entry{}, err
	}
	defer pmcrypto.Zero(dhStatic)

	entry := Entry{NodeID: r.NodeID, Ephemeral: eph.PublicKey}
	kek, err := deriveKEK(dhEph, dhStatic, eph.PublicKey, r.PublicKey, sender.AgreementPublicKey())
	if err != nil {
		return Entry{}, err
	}
	defer pmcrypto.Zero(kek)

	wrapped, err := pmcrypto.WrapKey(kek, contentKey, r.NodeID[:])
	if err != nil {
		return Entry{}, err
	}
	copy(entry.WrappedKey[:], wrapped)
	return entry, nil
}

func deriveKEK(dhEph, dhStatic []byte, eph, recipient, sender [32]byte) ([]byte, error) {
	secret := make([]byte, 0, len(dhEph)+len(dhStatic))
	secret = append(append(secret, dhEph...), dhStatic...)
	defer pmcrypto.Zero(secret)

	info := make([]byte, 0, len(kekInfo)+96)
	info = append(info, kekInfo...)
	info = append(info, eph[:]...)
	info = append(info, recipient[:]...)
	info = append(info, sender[:]...)
	return pmcrypto.DeriveKey(secret, nil, info, chacha20poly1305.KeySize)
}

// Decrypt opens env for recipient. Every failure, including not being a
// recipient, is ErrDecryptionFailure with a nil plaintext.
func Decrypt(recipient *identity.Identity, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailure
	}
	self := recipient.NodeID()
	selfKey := recipient.AgreementPublicKey()

	for i := range env.Entries {
		e := &env.Entries[i]
		if e.NodeID != self {
			continue
		}
		if pt, err := openEntry(recipient, env, e, selfKey); err == nil {
			return pt, nil
		}
	}
	return nil, ErrDecryptionFailure
}

func openEntry(recipient *identity.Identity, env *Envelope, e *Entry, selfKey [32]byte) ([]byte, error) {
	dhEph, err := recipient.Agree("agreement", e.Ephemeral)
	if err != nil {
		return nil, err
	}
	defer pmcrypto.Zero(dhEph)
	dhStatic, err := recipient.Agree("agreement", env.SenderKey)
	if err != nil {
		return nil, err
	}
	defer pmcrypto.Zero(dhStatic)

	kek, err := deriveKEK(dhEph, dhStatic, e.Ephemeral, selfKey, env.SenderKey)
	if err != nil {
		return nil, err
	}
	defer pmcrypto.Zero(kek)

	contentKey, err := pmcrypto.UnwrapKey(kek, e.WrappedKey[:], e.NodeID[:])
	if err != nil {
		return nil, err
	}
	defer pmcrypto.Zero(contentKey)

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(append(sealed, env.Ciphertext...), env.Tag[:]...)
	body, err := pmcrypto.OpenX(contentKey, env.Nonce[:], sealed, env.header())
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrMalformedEnvelope
	}

	switch body[0] {
	case flagRaw:
		return body[1:], nil
	case flagLZ4:
		defer pmcrypto.Zero(body)
		pt, err := compress.Decompress(body[1:], MaxPlaintextSize)
		if err != nil {
			return nil, ErrDecryptionFailure
		}
		return pt, nil
	default:
		pmcrypto.Zero(body)
		return nil, ErrMalformedEnvelope
	}
}

// header is the encoded prefix of the envelope, authenticated as additional
// data of the payload.
func (env *Envelope) header() []byte {
	n := uint64(len(env.Entries))
	b := make([]byte, 0, 32+NonceSize+varint.UvarintSize(n)+len(env.Entries)*EntrySize)
	b = append(b, env.SenderKey[:]...)
	b = append(b, env.Nonce[:]...)
	b = append(b, varint.ToUvarint(n)...)
	for _, e := range env.Entries {
		b = append(b, e.NodeID[:]...)
		b = append(b, e.Ephemeral[:]...)
		b = append(b, e.WrappedKey[:]...)
	}
	return b
}

// Marshal encodes env as
// senderKey(32) | nonce(24) | count(uvarint) | entries | ciphertext | tag(16).
func (env *Envelope) Marshal() []byte {
	b := env.header()
	b = append(b, env.Ciphertext...)
	return append(b, env.Tag[:]...)
}

// Unmarshal parses the Marshal form.
func Unmarshal(b []byte) (*Envelope, error) {
	const fixed = 32 + NonceSize
	if len(b) < fixed+1+TagSize {
		return nil, ErrMalformedEnvelope
	}
	env := &Envelope{}
	copy(env.SenderKey[:], b[:32])
	copy(env.Nonce[:], b[32:fixed])

	n, read, err := varint.FromUvarint(b[fixed:])
	if err != nil || n == 0 || n > MaxRecipients {
		return nil, ErrMalformedEnvelope
	}
	off := fixed + read
	if uint64(len(b)-off) < n*EntrySize+TagSize {
		return nil, ErrMalformedEnvelope
	}

	env.Entries = make([]Entry, n)
	for i := range env.Entries {
		e := &env.Entries[i]
		copy(e.NodeID[:], b[off:off+32])
		copy(e.Ephemeral[:], b[off+32:off+64])
		copy(e.WrappedKey[:], b[off+64:off+EntrySize])
		off += EntrySize
	}

	end := len(b) - TagSize
	env.Ciphertext = append([]byte(nil), b[off:end]...)
	copy(env.Tag[:], b[end:])
	return env, nil
}

// DecryptBytes unmarshals and decrypts in one step. A malformed envelope is
// reported as ErrDecryptionFailure.
func DecryptBytes(recipient *identity.Identity, b []byte) ([]byte, error) {
	env, err := Unmarshal(b)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return Decrypt(recipient, env)
}
