package service

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/session"
	"github.com/TheusHen/pinmesh/pinmesh/transport/quic"
)

type testPeer struct {
	id    *identity.Identity
	creds session.Credentials
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	leaf, err := certauth.IssueSelfCertificate(id, time.Hour)
	require.NoError(t, err)
	return &testPeer{id: id, creds: session.Credentials{Identity: id, Chain: certauth.Chain{leaf}}}
}

func (p *testPeer) certificate(t *testing.T) tls.Certificate {
	t.Helper()
	signer, err := p.id.Signer("signing")
	require.NoError(t, err)
	cert, err := quic.NewTLSCertificate(signer, p.creds.Chain.Leaf())
	require.NoError(t, err)
	return cert
}

// pair returns the two ends of a session established over loopback QUIC.
func pair(t *testing.T) (client, server *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	cp, sp := newTestPeer(t), newTestPeer(t)
	cfg := session.Config{
		HandshakeTimeout: 5 * time.Second,
		TrustStore:       certauth.NewTrustStore(certauth.WithAllowUnknown(true)),
		KeepAlive:        session.KeepAliveConfig{Disabled: true},
	}

	ln, err := quic.Listen("127.0.0.1:0", quic.NewServerTLSConfig(sp.certificate(t)), quic.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	type result struct {
		sess *session.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			done <- result{err: err}
			return
		}
		s, err := session.HandshakeServer(ctx, conn, sp.creds, cfg)
		done <- result{s, err}
	}()

	conn, err := quic.Dial(ctx, ln.AddrString(), quic.NewClientTLSConfig(cp.certificate(t)), quic.Config{})
	require.NoError(t, err)
	client, err = session.HandshakeClient(ctx, conn, cp.creds, sp.id.NodeID(), cfg)
	require.NoError(t, err)
	r := <-done
	require.NoError(t, r.err)
	server = r.sess
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func serve(t *testing.T, reg *Registry, sess *session.Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Serve(ctx, sess)
}

func TestCallRoundTrip(t *testing.T) {
	client, server := pair(t)

	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("echo", func(_ context.Context, req *Request) ([]byte, error) {
		assert.Equal(t, client.LocalNodeID(), req.From)
		assert.Equal(t, "echo", req.Service)
		assert.NotEmpty(t, req.CorrelationID)
		return append([]byte(req.Path+":"), req.Payload...), nil
	}))
	serve(t, reg, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		out, err := Call(ctx, client, "echo", "/say", []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, "/say:hello", string(out))
	}
}

func TestCallUnknownService(t *testing.T) {
	client, server := pair(t)
	serve(t, NewRegistry(), server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Call(ctx, client, "missing", "/", nil)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestCallHandlerError(t *testing.T) {
	client, server := pair(t)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("fail", func(context.Context, *Request) ([]byte, error) {
		return nil, errors.New("boom")
	}))
	serve(t, reg, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Call(ctx, client, "fail", "/", nil)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "boom")
}

func TestCallBothDirections(t *testing.T) {
	client, server := pair(t)

	cr, sr := NewRegistry(), NewRegistry()
	require.NoError(t, cr.HandleFunc("who", func(context.Context, *Request) ([]byte, error) { return []byte("client"), nil }))
	require.NoError(t, sr.HandleFunc("who", func(context.Context, *Request) ([]byte, error) { return []byte("server"), nil }))
	serve(t, cr, client)
	serve(t, sr, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := Call(ctx, client, "who", "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", string(out))
	out, err = Call(ctx, server, "who", "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "client", string(out))
}

func TestPublishDeliversEvents(t *testing.T) {
	client, server := pair(t)

	events := make(chan *Event, 4)
	reg := NewRegistry()
	require.NoError(t, reg.Subscribe("news", func(_ context.Context, ev *Event) { events <- ev }))
	serve(t, reg, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := NewPublisher(ctx, client, "news")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, "/a", []byte("1")))
	require.NoError(t, pub.Publish(ctx, "/b", []byte("2")))
	require.NoError(t, pub.Close())
	require.NoError(t, Publish(ctx, client, "news", "/c", []byte("3")))

	var got []string
	for len(got) < 3 {
		select {
		case ev := <-events:
			assert.Equal(t, "news", ev.Topic)
			assert.Equal(t, client.LocalNodeID(), ev.From)
			got = append(got, ev.Path+"="+string(ev.Payload))
		case <-ctx.Done():
			t.Fatalf("received %v before timeout", got)
		}
	}
	assert.ElementsMatch(t, []string{"/a=1", "/b=2", "/c=3"}, got)
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	h := HandlerFunc(func(context.Context, *Request) ([]byte, error) { return nil, nil })

	require.NoError(t, reg.Handle("b", h))
	require.NoError(t, reg.Handle("a", h))
	assert.ErrorIs(t, reg.Handle("a", h), ErrDuplicateService)
	assert.ErrorIs(t, reg.Handle("", h), ErrInvalidName)
	assert.ErrorIs(t, reg.Subscribe("", func(context.Context, *Event) {}), ErrInvalidName)
	assert.Equal(t, []string{"a", "b"}, reg.Services())

	reg.Unregister("a")
	assert.Equal(t, []string{"b"}, reg.Services())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decode([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	b, err := encode(&Message{Kind: 9})
	require.NoError(t, err)
	_, err = decode(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
