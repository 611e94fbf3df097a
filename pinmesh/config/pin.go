package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

// Parse decodes the pin and checks that the NodeID is the hash of the key.
func (p PinConfig) Parse() (identity.NodeID, ed25519.PublicKey, error) {
	id, err := identity.ParseNodeID(p.NodeID)
	if err != nil {
		return identity.NodeID{}, nil, err
	}
	pub, err := hex.DecodeString(p.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return identity.NodeID{}, nil, fmt.Errorf("public key must be %d hex bytes", ed25519.PublicKeySize)
	}
	if identity.NodeIDFromPublicKey(pub) != id {
		return identity.NodeID{}, nil, fmt.Errorf("node id %s does not match public key", id.ShortString())
	}
	return id, ed25519.PublicKey(pub), nil
}
