package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Handshake("initiator", ResultOK)
	m.Handshake("initiator", ResultOK)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.OversizeFrame()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("initiator", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OversizeFrames))

	_, err = New(reg)
	assert.Error(t, err, "double registration must fail")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Handshake("responder", ResultError)
	m.SessionOpened()
	m.SessionClosed()
	m.StreamOpened("bidi", "out")
	m.OversizeFrame()
	m.KeepaliveTimeout()
	m.DialAttempt("ok")
	m.DuplicateSession()
	m.RateLimit()
	m.Envelope("encrypt", "ok")
}
