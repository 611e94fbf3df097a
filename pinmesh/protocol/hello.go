package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

// HelloVersion is the handshake version carried in Hello.
const HelloVersion = 1

const transcriptLabel = "pinmesh-handshake-v1"

var (
	ErrHelloVersion      = errors.New("protocol: unsupported hello version")
	ErrHelloMissingKey   = errors.New("protocol: hello missing key")
	ErrHelloBadSignature = errors.New("protocol: hello invalid signature")
)

// Role is the side of the connection that produced a Hello.
type Role uint8

const (
	RoleInitiator Role = 1
	RoleResponder Role = 2
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Hello is exchanged on the control stream once TLS completes. It carries the
// sender's certificate chain and the public keys for session key agreement,
// signed over a transcript bound to the TLS connection.
type Hello struct {
	Version      uint8             `cbor:"1,keyasint"`
	Chain        [][]byte          `cbor:"2,keyasint"`
	Ephemeral    []byte            `cbor:"3,keyasint"`
	Agreement    []byte            `cbor:"4,keyasint"`
	Capabilities map[string]string `cbor:"5,keyasint,omitempty"`
	Signature    []byte            `cbor:"6,keyasint"`
}

// Transcript returns the bytes a Hello signature covers. exporter is keying
// material exported from the TLS connection, so a Hello cannot be replayed
// onto another connection; role prevents reflecting it back to its sender.
func (h *Hello) Transcript(role Role, exporter []byte) ([]byte, error) {
	if len(h.Ephemeral) != 32 || len(h.Agreement) != 32 || len(h.Chain) == 0 {
		return nil, ErrHelloMissingKey
	}

	var b bytes.Buffer
	b.WriteString(transcriptLabel)
	b.WriteByte(h.Version)
	b.WriteByte(byte(role))
	writeLenPrefixed(&b, exporter)
	b.Write(h.Ephemeral)
	b.Write(h.Agreement)

	chainHash := sha256.New()
	for _, c := range h.Chain {
		writeLenPrefixed(chainHash, c)
	}
	b.Write(chainHash.Sum(nil))

	keys := make([]string, 0, len(h.Capabilities))
	for k := range h.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeLenPrefixed(&b, []byte(k))
		writeLenPrefixed(&b, []byte(h.Capabilities[k]))
	}
	return b.Bytes(), nil
}

func writeLenPrefixed(w io.Writer, p []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(p)))
	w.Write(l[:])
	w.Write(p)
}

// Sign signs the transcript with the identity's signing key.
func (h *Hello) Sign(id *identity.Identity, role Role, exporter []byte) error {
	msg, err := h.Transcript(role, exporter)
	if err != nil {
		return err
	}
	sig, err := id.Sign("signing", msg)
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

// Verify checks the signature of a Hello sent by role under pub.
func (h *Hello) Verify(pub ed25519.PublicKey, role Role, exporter []byte) error {
	if h.Version != HelloVersion {
		return ErrHelloVersion
	}
	msg, err := h.Transcript(role, exporter)
	if err != nil {
		return err
	}
	if !identity.VerifySignature(pub, msg, h.Signature) {
		return ErrHelloBadSignature
	}
	return nil
}

func EncodeHello(h *Hello) ([]byte, error) {
	return Encode(MessageTypeHello, h)
}

func DecodeHello(payload []byte) (*Hello, error) {
	var h Hello
	if err := DecodeAs(payload, MessageTypeHello, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
