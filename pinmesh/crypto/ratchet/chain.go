package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrRatchetExhausted  = errors.New("ratchet: maximum generation reached")
	ErrInvalidGeneration = errors.New("ratchet: invalid generation number")
	ErrMessageTooShort   = errors.New("ratchet: message too short")
	ErrOpenFailed        = errors.New("ratchet: message authentication failed")
	ErrWiped             = errors.New("ratchet: chain state has been wiped")
)

const (
	// MaxGeneration is the maximum number of ratchet steps before re-keying is required.
	MaxGeneration = 1 << 32

	// GenerationSize is the size of the generation prefix of an encoded message.
	GenerationSize = 8

	// Overhead is the encoded size added to every plaintext.
	Overhead = GenerationSize + chacha20poly1305.Overhead
)

// step derives (nextChainKey, messageKey) from a chain key.
func step(chainKey [32]byte) (next, message [32]byte) {
	m := hmac.New(sha256.New, chainKey[:])
	m.Write([]byte{0x01})
	copy(message[:], m.Sum(nil))

	m = hmac.New(sha256.New, chainKey[:])
	m.Write([]byte{0x02})
	copy(next[:], m.Sum(nil))
	return next, message
}

func nonceFor(gen uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], gen)
	return nonce
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Chain is the sending half of a ratchet.
type Chain struct {
	mu         sync.Mutex
	chainKey   [32]byte
	generation uint64
	wiped      bool
}

// NewChain creates a new ratchet chain from an initial 32-byte key.
func NewChain(initialKey []byte) (*Chain, error) {
	if len(initialKey) != 32 {
		return nil, errors.New("ratchet: initial key must be 32 bytes")
	}
	c := &Chain{}
	copy(c.chainKey[:], initialKey)
	return c, nil
}

// Seal encrypts plaintext under the next message key and advances the chain.
// Output: generation (8 bytes, big endian) || ciphertext || tag.
func (c *Chain) Seal(plaintext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return nil, ErrWiped
	}
	if c.generation >= MaxGeneration {
		return nil, ErrRatchetExhausted
	}

	next, msgKey := step(c.chainKey)
	gen := c.generation
	c.chainKey = next
	c.generation++
	defer wipe(msgKey[:])

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, GenerationSize, GenerationSize+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint64(out, gen)
	return aead.Seal(out, nonceFor(gen), plaintext, ad), nil
}

// Generation returns the current generation number.
func (c *Chain) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Wipe destroys the chain key. Further Seal calls fail.
func (c *Chain) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wipe(c.chainKey[:])
	c.wiped = true
}

// Receiver is the receiving half of a ratchet with bounded out-of-order tolerance.
type Receiver struct {
	mu         sync.Mutex
	skipped    map[uint64][32]byte // message keys for skipped generations
	current    [32]byte
	currentGen uint64
	maxSkip    int
	wiped      bool
}

// NewReceiver creates a receiver ratchet from the initial key.
// maxSkip bounds how far ahead of the expected generation a message may be.
func NewReceiver(initialKey []byte, maxSkip int) (*Receiver, error) {
	if len(initialKey) != 32 {
		return nil, errors.New("ratchet: initial key must be 32 bytes")
	}
	r := &Receiver{
		skipped: make(map[uint64][32]byte),
		maxSkip: maxSkip,
	}
	copy(r.current[:], initialKey)
	return r, nil
}

// Open decrypts a message produced by Chain.Seal. A failed open leaves the
// receiver state untouched.
func (r *Receiver) Open(msg, ad []byte) ([]byte, error) {
	if len(msg) < Overhead {
		return nil, ErrMessageTooShort
	}
	gen := binary.BigEndian.Uint64(msg[:GenerationSize])
	ct := msg[GenerationSize:]

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return nil, ErrWiped
	}

	if msgKey, ok := r.skipped[gen]; ok {
		pt, err := open(msgKey, gen, ct, ad)
		if err != nil {
			return nil, err
		}
		wipe(msgKey[:])
		delete(r.skipped, gen)
		return pt, nil
	}

	if gen < r.currentGen {
		return nil, ErrInvalidGeneration
	}
	if int(gen-r.currentGen) > r.maxSkip {
		return nil, ErrInvalidGeneration
	}

	// Walk forward on a copy; commit only after authentication succeeds.
	chainKey := r.current
	pending := make(map[uint64][32]byte)
	for i := r.currentGen; i < gen; i++ {
		next, mk := step(chainKey)
		pending[i] = mk
		chainKey = next
	}
	next, msgKey := step(chainKey)
	defer wipe(msgKey[:])

	pt, err := open(msgKey, gen, ct, ad)
	if err != nil {
		for _, mk := range pending {
			wipe(mk[:])
		}
		return nil, err
	}
	for g, mk := range pending {
		r.skipped[g] = mk
	}
	r.current = next
	r.currentGen = gen + 1
	return pt, nil
}

func open(msgKey [32]byte, gen uint64, ct, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceFor(gen), ct, ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// Wipe destroys all receiver key material.
func (r *Receiver) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	wipe(r.current[:])
	for g, mk := range r.skipped {
		wipe(mk[:])
		delete(r.skipped, g)
	}
	r.wiped = true
}
