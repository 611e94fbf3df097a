package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	q "github.com/quic-go/quic-go"
)

// Config holds the QUIC knobs pinmesh sets; zero fields keep quic-go defaults.
type Config struct {
	HandshakeIdleTimeout  time.Duration
	MaxIdleTimeout        time.Duration
	KeepAlivePeriod       time.Duration
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64
}

func (c Config) quicConfig() *q.Config {
	return &q.Config{
		HandshakeIdleTimeout:  c.HandshakeIdleTimeout,
		MaxIdleTimeout:        c.MaxIdleTimeout,
		KeepAlivePeriod:       c.KeepAlivePeriod,
		MaxIncomingStreams:    c.MaxIncomingStreams,
		MaxIncomingUniStreams: c.MaxIncomingUniStreams,
	}
}

// Listener accepts QUIC connections that completed the TLS handshake. Peer
// authentication happens afterwards, in the session handshake.
type Listener struct {
	inner *q.Listener
}

func Listen(addr string, tlsConf *tls.Config, cfg Config) (*Listener, error) {
	ln, err := q.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept waits for the next connection. After Close it returns net.ErrClosed.
func (l *Listener) Accept(ctx context.Context) (q.Connection, error) {
	conn, err := l.inner.Accept(ctx)
	if errors.Is(err, q.ErrServerClosed) {
		return nil, net.ErrClosed
	}
	return conn, err
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// AddrString is the bound address in host:port form.
func (l *Listener) AddrString() string {
	if l == nil || l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// Dial connects to addr. Failures before the TLS handshake completes are
// reported with the address for the retry log.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (q.Connection, error) {
	conn, err := q.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
