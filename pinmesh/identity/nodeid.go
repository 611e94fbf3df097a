package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"
)

var ErrInvalidNodeID = errors.New("identity: invalid node id")

// NodeID is the stable identifier of a node: SHA-256 of its root signing
// public key.
type NodeID [32]byte

func NodeIDFromPublicKey(publicKey []byte) NodeID {
	return NodeID(sha256.Sum256(publicKey))
}

// ParseNodeID accepts the base58 text form or 64 hex characters.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	var b []byte
	var err error
	if len(s) == 2*len(id) {
		b, err = hex.DecodeString(s)
	}
	if b == nil || err != nil {
		b, err = base58.Decode(s)
	}
	if err != nil || len(b) != len(id) {
		return NodeID{}, ErrInvalidNodeID
	}
	copy(id[:], b)
	return id, nil
}

// NodeIDFromBytes copies a 32-byte slice into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != len(id) {
		return NodeID{}, ErrInvalidNodeID
	}
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return base58.Encode(id[:])
}

// ShortString returns the first 8 characters of the text form, for logs.
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Compare orders node ids bytewise.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

func (id NodeID) Less(other NodeID) bool {
	return id.Compare(other) < 0
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
