package certauth

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
)

var logger = logging.Logger("certauth")

type trustEntry struct {
	key      ed25519.PublicKey // nil while only expected
	pinnedAt time.Time
}

// TrustStore maps node ids to pinned public keys. An entry without a key is a
// trust-on-first-use marker: the first key presented for that id gets pinned.
// AllowUnknown extends that policy to ids with no entry at all.
type TrustStore struct {
	mu           sync.Mutex
	entries      map[identity.NodeID]*trustEntry
	allowUnknown bool
	now          func() time.Time
}

type TrustOption func(*TrustStore)

// WithAllowUnknown enables trust on first use for every unknown id.
func WithAllowUnknown(allow bool) TrustOption {
	return func(ts *TrustStore) { ts.allowUnknown = allow }
}

func NewTrustStore(opts ...TrustOption) *TrustStore {
	ts := &TrustStore{
		entries: make(map[identity.NodeID]*trustEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(ts)
	}
	return ts
}

// Pin records pub as the key of id. id must be the hash of pub.
func (ts *TrustStore) Pin(id identity.NodeID, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || identity.NodeIDFromPublicKey(pub) != id {
		return ErrKeyMismatch
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.entries[id] = &trustEntry{key: append(ed25519.PublicKey(nil), pub...), pinnedAt: ts.now()}
	return nil
}

// Expect marks id for trust on first use. An existing pin is kept.
func (ts *TrustStore) Expect(id identity.NodeID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.entries[id]; !ok {
		ts.entries[id] = &trustEntry{}
	}
}

func (ts *TrustStore) Remove(id identity.NodeID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.entries, id)
}

// Lookup returns the pinned key of id. ok is false for unknown ids and for
// ids that are only expected.
func (ts *TrustStore) Lookup(id identity.NodeID) (ed25519.PublicKey, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, ok := ts.entries[id]
	if !ok || e.key == nil {
		return nil, false
	}
	return append(ed25519.PublicKey(nil), e.key...), true
}

// Known reports whether id is pinned or expected.
func (ts *TrustStore) Known(id identity.NodeID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.entries[id]
	return ok
}

func (ts *TrustStore) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.entries)
}

func (ts *TrustStore) SetAllowUnknown(allow bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.allowUnknown = allow
}

func (ts *TrustStore) AllowUnknown() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.allowUnknown
}

// CheckAndPin accepts pub for id when it matches the pinned key, or pins it
// when id is expected or unknown ids are allowed. The check and the pin happen
// under one lock.
func (ts *TrustStore) CheckAndPin(id identity.NodeID, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || identity.NodeIDFromPublicKey(pub) != id {
		return fmt.Errorf("%w: %v", ErrUntrustedPeer, ErrKeyMismatch)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.entries[id]
	switch {
	case ok && e.key != nil:
		if !bytes.Equal(e.key, pub) {
			return fmt.Errorf("%w: pinned key mismatch for %s", ErrUntrustedPeer, id.ShortString())
		}
		return nil
	case ok || ts.allowUnknown:
		ts.entries[id] = &trustEntry{key: append(ed25519.PublicKey(nil), pub...), pinnedAt: ts.now()}
		logger.Info("pinned peer on first use", "node", id.ShortString(), "expected", ok)
		return nil
	default:
		return fmt.Errorf("%w: %s not in trust store", ErrUntrustedPeer, id.ShortString())
	}
}

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	var err error
	snapshotEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("certauth: cbor encoder mode: %v", err))
	}
	snapshotDec, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("certauth: cbor decoder mode: %v", err))
	}
}

const snapshotVersion = 1

type snapshot struct {
	Version      uint8           `cbor:"1,keyasint"`
	AllowUnknown bool            `cbor:"2,keyasint"`
	Entries      []snapshotEntry `cbor:"3,keyasint"`
}

type snapshotEntry struct {
	NodeID   []byte `cbor:"1,keyasint"`
	Key      []byte `cbor:"2,keyasint,omitempty"`
	PinnedAt int64  `cbor:"3,keyasint,omitempty"`
}

// Snapshot serializes the store for an external persister.
func (ts *TrustStore) Snapshot() ([]byte, error) {
	ts.mu.Lock()
	s := snapshot{Version: snapshotVersion, AllowUnknown: ts.allowUnknown}
	for id, e := range ts.entries {
		se := snapshotEntry{NodeID: id.Bytes()}
		if e.key != nil {
			se.Key = append([]byte(nil), e.key...)
			se.PinnedAt = e.pinnedAt.Unix()
		}
		s.Entries = append(s.Entries, se)
	}
	ts.mu.Unlock()
	return snapshotEnc.Marshal(s)
}

// Restore replaces the store's content with a snapshot.
func (ts *TrustStore) Restore(data []byte) error {
	var s snapshot
	if err := snapshotDec.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("certauth: decode trust snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("certauth: unsupported trust snapshot version %d", s.Version)
	}

	entries := make(map[identity.NodeID]*trustEntry, len(s.Entries))
	for _, se := range s.Entries {
		id, err := identity.NodeIDFromBytes(se.NodeID)
		if err != nil {
			return fmt.Errorf("certauth: trust snapshot: %w", err)
		}
		e := &trustEntry{}
		if len(se.Key) > 0 {
			if len(se.Key) != ed25519.PublicKeySize || identity.NodeIDFromPublicKey(se.Key) != id {
				return fmt.Errorf("certauth: trust snapshot entry %s: %w", id.ShortString(), ErrKeyMismatch)
			}
			e.key = ed25519.PublicKey(se.Key)
			e.pinnedAt = time.Unix(se.PinnedAt, 0)
		}
		entries[id] = e
	}

	ts.mu.Lock()
	ts.entries = entries
	ts.allowUnknown = s.AllowUnknown
	ts.mu.Unlock()
	return nil
}
