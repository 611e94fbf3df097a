package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeysInfo = "pinmesh/session-keys/v1"
	streamKeyInfo   = "pinmesh/stream-key/v1"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SessionKeys holds the two directional keys of a session.
type SessionKeys struct {
	Initiator [32]byte // initiator -> responder
	Responder [32]byte // responder -> initiator
}

// Wipe zeroes both keys.
func (k *SessionKeys) Wipe() {
	Zero(k.Initiator[:])
	Zero(k.Responder[:])
}

// DeriveSessionKeys derives directional keys from the two ephemeral-static
// agreements of a handshake. The channel binding (TLS exporter) salts the
// derivation so keys are tied to one transport connection; the four public
// keys bind them to this exchange.
func DeriveSessionKeys(dhInitiator, dhResponder, channelBinding []byte, initiatorEph, responderEph [32]byte) (*SessionKeys, error) {
	secret := make([]byte, 0, len(dhInitiator)+len(dhResponder))
	secret = append(secret, dhInitiator...)
	secret = append(secret, dhResponder...)
	defer Zero(secret)

	info := make([]byte, 0, len(sessionKeysInfo)+64)
	info = append(info, sessionKeysInfo...)
	info = append(info, initiatorEph[:]...)
	info = append(info, responderEph[:]...)

	keyMaterial, err := DeriveKey(secret, channelBinding, info, 64)
	if err != nil {
		return nil, err
	}
	defer Zero(keyMaterial)

	keys := &SessionKeys{}
	copy(keys.Initiator[:], keyMaterial[:32])
	copy(keys.Responder[:], keyMaterial[32:])
	return keys, nil
}

// DeriveStreamKey derives the per-stream key for one direction.
func DeriveStreamKey(directionKey [32]byte, streamID uint64) ([]byte, error) {
	info := make([]byte, len(streamKeyInfo)+8)
	copy(info, streamKeyInfo)
	binary.BigEndian.PutUint64(info[len(streamKeyInfo):], streamID)
	return DeriveKey(directionKey[:], nil, info, 32)
}
