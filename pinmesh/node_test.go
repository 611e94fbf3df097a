package pinmesh

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/config"
	"github.com/TheusHen/pinmesh/pinmesh/discovery/memory"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/keystore"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/registry"
	"github.com/TheusHen/pinmesh/pinmesh/service"
	"github.com/TheusHen/pinmesh/pinmesh/session"
	"github.com/TheusHen/pinmesh/pinmesh/transfer"
	"github.com/TheusHen/pinmesh/pinmesh/transport/quic"
)

func testSessionConfig(allowUnknown bool) session.Config {
	return session.Config{
		HandshakeTimeout: 5 * time.Second,
		TrustStore:       certauth.NewTrustStore(certauth.WithAllowUnknown(allowUnknown)),
		KeepAlive:        session.KeepAliveConfig{Disabled: true},
	}
}

func fastRetry() registry.RetryConfig {
	return registry.RetryConfig{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

// newNode starts a node listening on loopback. Without a session config in
// opts it trusts every peer on first use.
func newNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	t.Cleanup(id.Release)

	base := []Option{
		WithSessionConfig(testSessionConfig(true)),
		WithRetry(fastRetry()),
		WithQUICConfig(quic.Config{HandshakeIdleTimeout: 500 * time.Millisecond}),
	}
	n, err := NewNode(id, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, n.Listen("127.0.0.1:0"))
	t.Cleanup(func() { n.Close() })
	return n
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectAndAccept(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	sa, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	sb, err := b.Accept(ctx)
	require.NoError(t, err)

	assert.Equal(t, b.NodeID(), sa.RemoteNodeID())
	assert.Equal(t, a.NodeID(), sb.RemoteNodeID())
	assert.Equal(t, sa.ID(), sb.ID())

	again, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	assert.Same(t, sa, again, "second connect reuses the session")

	st, err := sa.OpenStream(ctx, protocol.StreamBidirectional, "echo")
	require.NoError(t, err)
	require.NoError(t, st.WriteFrame(ctx, []byte("ping")))

	in, err := sb.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", in.Service())
	got, err := in.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

func TestConnectWrongExpectedID(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)
	other, err := identity.CreateIdentity()
	require.NoError(t, err)
	defer other.Release()

	start := time.Now()
	sess, err := a.Connect(ctx, b.ListenAddr(), other.NodeID())
	assert.Nil(t, sess)
	assert.ErrorIs(t, err, ErrUntrustedPeer)
	assert.NotErrorIs(t, err, ErrPeerUnreachable, "trust failures are not retried")
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Zero(t, a.Registry().Len())
	assert.False(t, a.Registry().Pending(other.NodeID()))
	assert.Never(t, func() bool { return b.Registry().Len() > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestUnknownPeerRejected(t *testing.T) {
	ctx := testContext(t)
	a := newNode(t)
	b := newNode(t, WithSessionConfig(testSessionConfig(false)))

	_, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	assert.ErrorIs(t, err, ErrUntrustedPeer)

	actx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = b.Accept(actx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPinnedPeerAccepted(t *testing.T) {
	ctx := testContext(t)
	a := newNode(t)
	b := newNode(t, WithSessionConfig(testSessionConfig(false)))
	require.NoError(t, b.TrustStore().Pin(a.NodeID(), a.Identity().SigningPublicKey()))

	_, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	sb, err := b.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.NodeID(), sb.RemoteNodeID())
}

func TestExpiredCertificateRejected(t *testing.T) {
	ctx := testContext(t)
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	defer id.Release()
	stale, err := certauth.IssueSelfCertificate(id, time.Hour, certauth.WithNotBefore(time.Now().Add(-2*time.Hour)))
	require.NoError(t, err)

	a, err := NewNode(id, WithChain(certauth.Chain{stale}), WithSessionConfig(testSessionConfig(true)), WithRetry(fastRetry()))
	require.NoError(t, err)
	defer a.Close()
	b := newNode(t)

	_, err = a.Connect(ctx, b.ListenAddr(), b.NodeID())
	assert.ErrorIs(t, err, ErrUntrustedPeer)
	assert.True(t, session.IsTerminal(err))
}

func TestSimultaneousConnectConverges(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	type result struct {
		sess *session.Session
		err  error
	}
	ra, rb := make(chan result, 1), make(chan result, 1)
	go func() {
		s, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
		ra <- result{s, err}
	}()
	go func() {
		s, err := b.Connect(ctx, a.ListenAddr(), a.NodeID())
		rb <- result{s, err}
	}()
	require.NoError(t, (<-ra).err)
	require.NoError(t, (<-rb).err)

	assert.Eventually(t, func() bool {
		sa, sb := a.Session(b.NodeID()), b.Session(a.NodeID())
		return sa != nil && sb != nil &&
			a.Registry().Len() == 1 && b.Registry().Len() == 1 &&
			bytes.Equal(sa.ID(), sb.ID())
	}, 5*time.Second, 20*time.Millisecond)

	sa := a.Session(b.NodeID())
	assert.Equal(t, sa.InitiatorNodeID(), b.Session(a.NodeID()).InitiatorNodeID())
}

func TestConnectUnreachable(t *testing.T) {
	ctx := testContext(t)
	a := newNode(t)
	peer, err := identity.CreateIdentity()
	require.NoError(t, err)
	defer peer.Release()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	_, err = a.Connect(ctx, addr, peer.NodeID())
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.False(t, a.Registry().Pending(peer.NodeID()))
}

func TestFrameTooLargeIsStreamScoped(t *testing.T) {
	ctx := testContext(t)
	small := testSessionConfig(true)
	small.MaxFrameSize = 1024
	a := newNode(t, WithSessionConfig(small))
	b := newNode(t)

	sa, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	sb, err := b.Accept(ctx)
	require.NoError(t, err)

	st, err := sa.OpenStream(ctx, protocol.StreamBidirectional, "")
	require.NoError(t, err)
	assert.ErrorIs(t, st.WriteFrame(ctx, make([]byte, 2048)), ErrFrameTooLarge)

	st2, err := sa.OpenStream(ctx, protocol.StreamUnidirectional, "")
	require.NoError(t, err)
	require.NoError(t, st2.WriteFrame(ctx, []byte("still fine")))

	for {
		in, err := sb.AcceptStream(ctx)
		require.NoError(t, err)
		if in.Kind() != protocol.StreamUnidirectional {
			continue
		}
		got, err := in.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, "still fine", string(got))
		break
	}
	assert.Equal(t, session.StateEstablished, sa.State())
}

func TestConnectPeerThroughResolver(t *testing.T) {
	ctx := testContext(t)
	resolver := memory.New()

	services := service.NewRegistry()
	require.NoError(t, services.HandleFunc("greet", func(_ context.Context, req *service.Request) ([]byte, error) {
		return []byte("hello " + string(req.Payload)), nil
	}))
	a := newNode(t, WithResolver(resolver))
	b := newNode(t, WithResolver(resolver), WithServices(services))

	_, err := a.ConnectPeer(ctx, b.NodeID())
	assert.Error(t, err, "not announced yet")

	require.NoError(t, b.Announce(ctx, time.Minute))
	out, err := a.Call(ctx, b.NodeID(), "greet", "/", []byte("mesh"))
	require.NoError(t, err)
	assert.Equal(t, "hello mesh", string(out))
	assert.NotNil(t, a.Session(b.NodeID()))
}

func TestInboundRateLimit(t *testing.T) {
	ctx := testContext(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	b := newNode(t, WithRateLimit(0.001, 1), WithMetrics(m))
	a1 := newNode(t, WithRetry(registry.RetryConfig{MaxAttempts: 1}))
	a2 := newNode(t, WithRetry(registry.RetryConfig{MaxAttempts: 1}))

	_, err = a1.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	_, err = a2.Connect(ctx, b.ListenAddr(), b.NodeID())
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
}

func TestServedSessionsNotQueued(t *testing.T) {
	ctx := testContext(t)
	services := service.NewRegistry()
	require.NoError(t, services.HandleFunc("ping", func(context.Context, *service.Request) ([]byte, error) {
		return []byte("pong"), nil
	}))
	b := newNode(t, WithServices(services), WithInboundQueue(1))

	for i := 0; i < 3; i++ {
		a := newNode(t)
		sa, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
		require.NoError(t, err)
		out, err := service.Call(ctx, sa, "ping", "/", nil)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(out))
	}
	assert.Equal(t, 3, b.Registry().Len())
	assert.Empty(t, b.Sessions())
}

func TestFullInboundQueueKeepsSessions(t *testing.T) {
	ctx := testContext(t)
	b := newNode(t, WithInboundQueue(1))
	a1, a2 := newNode(t), newNode(t)

	_, err := a1.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Sessions()) == 1 }, 5*time.Second, 20*time.Millisecond)

	sa2, err := a2.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Session(a2.NodeID()) != nil }, 5*time.Second, 20*time.Millisecond)

	// The session that found the queue full is installed and usable.
	sb2 := b.Session(a2.NodeID())
	assert.Equal(t, sa2.ID(), sb2.ID())
	assert.Equal(t, 2, b.Registry().Len())

	sb, err := b.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, a1.NodeID(), sb.RemoteNodeID())
}

func TestCloseEndsSessions(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)
	sa, err := a.Connect(ctx, b.ListenAddr(), b.NodeID())
	require.NoError(t, err)

	require.NoError(t, a.Close())
	<-sa.Done()
	assert.Equal(t, session.StateClosed, sa.State())
	assert.Eventually(t, func() bool { return b.Registry().Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	_, err = a.Connect(ctx, b.ListenAddr(), b.NodeID())
	assert.ErrorIs(t, err, ErrNodeClosed)
	assert.ErrorIs(t, a.Listen("127.0.0.1:0"), ErrNodeClosed)
}

func TestNodeFromConfig(t *testing.T) {
	ctx := testContext(t)
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Trust.AllowUnknown = true
	cfg.KeepAlive.Disabled = true

	store := keystore.NewMemory()
	n1, err := NewNodeFromConfig(ctx, cfg, store)
	require.NoError(t, err)
	first := n1.NodeID()
	require.NoError(t, n1.Close())
	assert.True(t, n1.Identity().Released())

	n2, err := NewNodeFromConfig(ctx, cfg, store)
	require.NoError(t, err)
	defer n2.Close()
	assert.Equal(t, first, n2.NodeID(), "identity survives a restart")
	require.NoError(t, n2.Listen(cfg.Listen))

	peer := newNode(t)
	_, err = peer.Connect(ctx, n2.ListenAddr(), n2.NodeID())
	require.NoError(t, err)
}

func TestSendBlob(t *testing.T) {
	ctx := testContext(t)
	resolver := memory.New()

	blobs := make(chan []byte, 1)
	services := service.NewRegistry()
	require.NoError(t, services.HandleStream(transfer.ServiceName, transfer.Handler(
		func(_ context.Context, _ *session.Session, m *transfer.Manifest, data []byte) error {
			assert.Equal(t, "report.bin", m.Name)
			blobs <- data
			return nil
		})))
	a := newNode(t, WithResolver(resolver))
	b := newNode(t, WithResolver(resolver), WithServices(services))
	require.NoError(t, b.Announce(ctx, 0))

	data := bytes.Repeat([]byte{1, 2, 3, 4}, 100_000)
	m, err := a.SendBlob(ctx, b.NodeID(), "report.bin", data, transfer.WithErasure(4, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), m.Size)
	assert.Equal(t, data, <-blobs)
}
