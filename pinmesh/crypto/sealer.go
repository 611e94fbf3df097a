package crypto

import (
	"errors"
	"sync"

	"github.com/TheusHen/pinmesh/pinmesh/crypto/ratchet"
)

var ErrSealerClosed = errors.New("crypto: stream sealer closed")

// StreamSealer seals and opens the frames of one stream. Each direction runs
// its own ratchet keyed by HKDF(direction key, stream id), so streams never
// share message keys and each keeps its own ordering.
type StreamSealer struct {
	mu     sync.Mutex
	send   *ratchet.Chain
	recv   *ratchet.Receiver
	closed bool
}

// NewStreamSealer builds the sealer for streamID. initiator selects which
// session key seals outgoing frames.
func NewStreamSealer(keys *SessionKeys, initiator bool, streamID uint64) (*StreamSealer, error) {
	sendDir, recvDir := keys.Responder, keys.Initiator
	if initiator {
		sendDir, recvDir = keys.Initiator, keys.Responder
	}

	sendKey, err := DeriveStreamKey(sendDir, streamID)
	if err != nil {
		return nil, err
	}
	defer Zero(sendKey)
	recvKey, err := DeriveStreamKey(recvDir, streamID)
	if err != nil {
		return nil, err
	}
	defer Zero(recvKey)

	send, err := ratchet.NewChain(sendKey)
	if err != nil {
		return nil, err
	}
	// QUIC delivers a stream in order, so no skipped generations are tolerated.
	recv, err := ratchet.NewReceiver(recvKey, 0)
	if err != nil {
		send.Wipe()
		return nil, err
	}
	return &StreamSealer{send: send, recv: recv}, nil
}

// Seal encrypts one frame payload.
func (s *StreamSealer) Seal(plaintext, ad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSealerClosed
	}
	return s.send.Seal(plaintext, ad)
}

// Open decrypts one frame payload. Any failure is ErrDecryptionFailed.
func (s *StreamSealer) Open(sealed, ad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSealerClosed
	}
	pt, err := s.recv.Open(sealed, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// SendGeneration returns the number of frames sealed so far.
func (s *StreamSealer) SendGeneration() uint64 {
	return s.send.Generation()
}

// Close wipes both ratchets.
func (s *StreamSealer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.send.Wipe()
	s.recv.Wipe()
}

// SealedOverhead is the number of bytes Seal adds to a plaintext.
const SealedOverhead = ratchet.Overhead
