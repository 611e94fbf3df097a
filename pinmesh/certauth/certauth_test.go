package certauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	return id
}

func pinned(t *testing.T, ids ...*identity.Identity) *TrustStore {
	t.Helper()
	ts := NewTrustStore()
	for _, id := range ids {
		require.NoError(t, ts.Pin(id.NodeID(), id.SigningPublicKey()))
	}
	return ts
}

func TestSelfCertificateVerifies(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour)
	require.NoError(t, err)
	assert.True(t, cert.IsRoot())

	got, err := Verify(Chain{cert}, pinned(t, id), time.Now())
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), got)
}

func TestEncodeDecode(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour)
	require.NoError(t, err)

	enc := cert.Encode()
	require.Len(t, enc, CertificateSize)
	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, dec.Encode())
	assert.True(t, cert.NotAfter.Equal(dec.NotAfter))

	_, err = Decode(enc[:CertificateSize-1])
	assert.ErrorIs(t, err, ErrMalformedCertificate)

	bad := append([]byte(nil), enc...)
	bad[0] = 2
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestAnyFlippedByteFails(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour)
	require.NoError(t, err)
	enc := cert.Encode()
	now := time.Now()

	for i := range enc {
		for _, mask := range []byte{0x01, 0x80} {
			bad := append([]byte(nil), enc...)
			bad[i] ^= mask
			dec, err := Decode(bad)
			if err != nil {
				continue
			}
			_, err = Verify(Chain{dec}, pinned(t, id), now)
			assert.Error(t, err, "byte %d mask %#x accepted", i, mask)
		}
	}
}

func TestExpiredCertificateRejected(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour, WithNotBefore(time.Now().Add(-3*time.Hour)))
	require.NoError(t, err)

	_, err = Verify(Chain{cert}, pinned(t, id), time.Now())
	assert.ErrorIs(t, err, ErrExpiredCertificate)
}

func TestNotYetValidRejected(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour, WithNotBefore(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = Verify(Chain{cert}, pinned(t, id), time.Now())
	assert.ErrorIs(t, err, ErrNotYetValid)
}

func TestDelegatedChain(t *testing.T) {
	root := newIdentity(t)
	svc, err := root.Derive("service:1")
	require.NoError(t, err)
	svcID := identity.NodeIDFromPublicKey(svc.PublicKey)

	leaf, err := IssueDelegatedCertificate(root, svc.PublicKey, svcID, time.Hour)
	require.NoError(t, err)
	self, err := IssueSelfCertificate(root, time.Hour)
	require.NoError(t, err)

	got, err := Verify(Chain{leaf, self}, pinned(t, root), time.Now())
	require.NoError(t, err)
	assert.Equal(t, svcID, got)

	// Without the root the chain is incomplete.
	_, err = Verify(Chain{leaf}, pinned(t, root), time.Now())
	assert.ErrorIs(t, err, ErrBrokenChain)

	// A root of someone else breaks the linkage.
	other := newIdentity(t)
	otherSelf, err := IssueSelfCertificate(other, time.Hour)
	require.NoError(t, err)
	_, err = Verify(Chain{leaf, otherSelf}, pinned(t, root, other), time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDelegatedSubjectBoundToKey(t *testing.T) {
	issuer, victim := newIdentity(t), newIdentity(t)
	self, err := IssueSelfCertificate(issuer, time.Hour)
	require.NoError(t, err)

	_, err = IssueDelegatedCertificate(issuer, issuer.SigningPublicKey(), victim.NodeID(), time.Hour)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	// A correctly signed link that names victim under the issuer's own key.
	forged, err := issue(issuer, issuer.SigningPublicKey(), victim.NodeID(), time.Hour, nil)
	require.NoError(t, err)

	for name, ts := range map[string]*TrustStore{
		"pinned": pinned(t, issuer, victim),
		"tofu":   NewTrustStore(WithAllowUnknown(true)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(Chain{forged, self}, ts, time.Now())
			assert.ErrorIs(t, err, ErrUntrustedPeer)
			assert.ErrorIs(t, err, ErrKeyMismatch)
		})
	}
}

func TestChainTooDeep(t *testing.T) {
	root := newIdentity(t)
	self, err := IssueSelfCertificate(root, time.Hour)
	require.NoError(t, err)

	chain := Chain{self}
	issuer := root
	for i := 0; i < MaxChainDepth; i++ {
		next := newIdentity(t)
		c, err := IssueDelegatedCertificate(issuer, next.SigningPublicKey(), next.NodeID(), time.Hour)
		require.NoError(t, err)
		chain = append(Chain{c}, chain...)
		issuer = next
	}
	require.Len(t, chain, MaxChainDepth+1)

	_, err = Verify(chain, pinned(t, root), time.Now())
	assert.ErrorIs(t, err, ErrChainTooDeep)

	v, err := NewVerifier(WithMaxDepth(MaxChainDepth + 1))
	require.NoError(t, err)
	_, err = v.Verify(chain, pinned(t, root), time.Now())
	assert.NoError(t, err)
}

func TestTrustDecisions(t *testing.T) {
	a := newIdentity(t)
	cert, err := IssueSelfCertificate(a, time.Hour)
	require.NoError(t, err)
	now := time.Now()

	// Unknown and not eligible for first use.
	_, err = Verify(Chain{cert}, NewTrustStore(), now)
	assert.ErrorIs(t, err, ErrUntrustedPeer)

	// Expected id gets pinned on first use.
	ts := NewTrustStore()
	ts.Expect(a.NodeID())
	_, ok := ts.Lookup(a.NodeID())
	assert.False(t, ok)
	_, err = Verify(Chain{cert}, ts, now)
	require.NoError(t, err)
	key, ok := ts.Lookup(a.NodeID())
	require.True(t, ok)
	assert.Equal(t, a.SigningPublicKey(), key)

	// Store-wide first use.
	open := NewTrustStore(WithAllowUnknown(true))
	_, err = Verify(Chain{cert}, open, now)
	require.NoError(t, err)
	assert.True(t, open.Known(a.NodeID()))
}

func TestCheckAndPinMismatch(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	ts := pinned(t, a)

	assert.ErrorIs(t, ts.CheckAndPin(a.NodeID(), b.SigningPublicKey()), ErrUntrustedPeer)
	assert.ErrorIs(t, ts.Pin(a.NodeID(), b.SigningPublicKey()), ErrKeyMismatch)
	assert.NoError(t, ts.CheckAndPin(a.NodeID(), a.SigningPublicKey()))

	ts.Remove(a.NodeID())
	assert.False(t, ts.Known(a.NodeID()))
}

func TestTrustStoreSnapshot(t *testing.T) {
	a := newIdentity(t)
	b := newIdentity(t)
	ts := pinned(t, a)
	ts.Expect(b.NodeID())
	ts.SetAllowUnknown(true)

	data, err := ts.Snapshot()
	require.NoError(t, err)

	restored := NewTrustStore()
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 2, restored.Len())
	assert.True(t, restored.AllowUnknown())
	key, ok := restored.Lookup(a.NodeID())
	require.True(t, ok)
	assert.Equal(t, a.SigningPublicKey(), key)
	_, ok = restored.Lookup(b.NodeID())
	assert.False(t, ok)
	assert.True(t, restored.Known(b.NodeID()))

	assert.Error(t, restored.Restore([]byte{0xff, 0x00}))
}

func TestVerifierCache(t *testing.T) {
	id := newIdentity(t)
	cert, err := IssueSelfCertificate(id, time.Hour)
	require.NoError(t, err)

	v, err := NewVerifier(WithCacheSize(8))
	require.NoError(t, err)
	ts := pinned(t, id)
	for i := 0; i < 3; i++ {
		_, err := v.Verify(Chain{cert}, ts, time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, v.cache.Len())

	bad := *cert
	bad.Signature = append([]byte(nil), cert.Signature...)
	bad.Signature[0] ^= 1
	_, err = v.Verify(Chain{&bad}, ts, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
