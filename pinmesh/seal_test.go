package pinmesh

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/envelope"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
)

func TestSealOpen(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	newID := func() *identity.Identity {
		id, err := identity.CreateIdentity()
		require.NoError(t, err)
		t.Cleanup(id.Release)
		return id
	}
	alice, err := NewNode(newID(), WithMetrics(m))
	require.NoError(t, err)
	defer alice.Close()
	bob, err := NewNode(newID(), WithMetrics(m))
	require.NoError(t, err)
	defer bob.Close()
	eve, err := NewNode(newID(), WithMetrics(m))
	require.NoError(t, err)
	defer eve.Close()

	sealed, err := alice.Seal([]envelope.Recipient{bob.Recipient()}, []byte("for bob"), envelope.WithCompression(envelope.CompressionFast))
	require.NoError(t, err)

	pt, err := bob.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "for bob", string(pt))

	pt, err = eve.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Nil(t, pt)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Envelopes.WithLabelValues("seal", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Envelopes.WithLabelValues("open", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Envelopes.WithLabelValues("open", metrics.ResultError)))
}
