package pinmesh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/discovery"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
	"github.com/TheusHen/pinmesh/pinmesh/internal/ratelimit"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
	"github.com/TheusHen/pinmesh/pinmesh/registry"
	"github.com/TheusHen/pinmesh/pinmesh/service"
	"github.com/TheusHen/pinmesh/pinmesh/session"
	"github.com/TheusHen/pinmesh/pinmesh/transport/quic"
)

var (
	ErrNotListening = errors.New("pinmesh: node is not listening")
	ErrListening    = errors.New("pinmesh: node is already listening")
	ErrNodeClosed   = errors.New("pinmesh: node closed")
	ErrNoResolver   = errors.New("pinmesh: no discovery resolver configured")
)

const inboundQueue = 64

// Node is one endpoint of the mesh: an identity, a listener and the sessions
// it holds with other nodes, at most one per remote NodeID.
type Node struct {
	id      *identity.Identity
	ownsID  bool
	creds   session.Credentials
	tlsCert tls.Certificate

	cfg      session.Config
	retry    registry.RetryConfig
	quicCfg  quic.Config
	resolver discovery.Resolver
	services *service.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	validity time.Duration
	log      *slog.Logger

	reg      *registry.Registry
	sessions chan *session.Session
	queue    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener *quic.Listener
	closed   bool
}

type Option func(*Node)

// WithChain presents chain instead of a self-issued certificate. chain[0]
// must certify the node's signing key.
func WithChain(chain certauth.Chain) Option {
	return func(n *Node) { n.creds.Chain = chain }
}

// WithCertificateValidity sets the lifetime of the self-issued certificate.
func WithCertificateValidity(d time.Duration) Option {
	return func(n *Node) { n.validity = d }
}

func WithSessionConfig(cfg session.Config) Option {
	return func(n *Node) { n.cfg = cfg }
}

func WithRetry(cfg registry.RetryConfig) Option {
	return func(n *Node) { n.retry = cfg }
}

func WithQUICConfig(cfg quic.Config) Option {
	return func(n *Node) { n.quicCfg = cfg }
}

func WithResolver(r discovery.Resolver) Option {
	return func(n *Node) { n.resolver = r }
}

// WithServices serves reg on every session the node installs. Sessions are
// then not handed out through AcceptStream or Accept to the application.
func WithServices(reg *service.Registry) Option {
	return func(n *Node) { n.services = reg }
}

// WithRateLimit bounds inbound handshakes per remote IP. Zero disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(n *Node) { n.limiter = ratelimit.New(perSecond, burst, 0) }
}

// WithInboundQueue sets how many inbound sessions wait for Accept. When the
// queue is full new sessions stay installed but are not queued.
func WithInboundQueue(n int) Option {
	return func(node *Node) { node.queue = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// NewNode creates a node for id. The caller keeps ownership of id.
func NewNode(id *identity.Identity, opts ...Option) (*Node, error) {
	if id == nil || id.Released() {
		return nil, identity.ErrKeyUnavailable
	}
	n := &Node{
		id:       id,
		creds:    session.Credentials{Identity: id},
		retry:    registry.DefaultRetryConfig(),
		validity: certauth.DefaultValidity,
		queue:    inboundQueue,
	}
	for _, o := range opts {
		o(n)
	}
	n.sessions = make(chan *session.Session, max(n.queue, 0))
	if n.cfg.Metrics == nil {
		n.cfg.Metrics = n.metrics
	}
	if n.cfg.TrustStore == nil {
		n.cfg.TrustStore = certauth.NewTrustStore()
	}

	if n.creds.Chain.Leaf() == nil {
		leaf, err := certauth.IssueSelfCertificate(id, n.validity)
		if err != nil {
			return nil, fmt.Errorf("issue certificate: %w", err)
		}
		n.creds.Chain = certauth.Chain{leaf}
	}
	if n.creds.Chain.Leaf().Subject != id.NodeID() {
		return nil, fmt.Errorf("%w: chain leaf is not this node", certauth.ErrKeyMismatch)
	}

	signer, err := id.Signer("signing")
	if err != nil {
		return nil, err
	}
	if n.tlsCert, err = quic.NewTLSCertificate(signer, n.creds.Chain.Leaf()); err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}

	n.reg = registry.New(registry.WithMetrics(n.metrics))
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.log = logging.Logger("node").With("node", id.NodeID().ShortString())
	return n, nil
}

func (n *Node) NodeID() identity.NodeID { return n.id.NodeID() }

func (n *Node) Identity() *identity.Identity { return n.id }

func (n *Node) Chain() certauth.Chain { return n.creds.Chain }

// TrustStore is shared by every handshake of the node.
func (n *Node) TrustStore() *certauth.TrustStore { return n.cfg.TrustStore }

func (n *Node) Registry() *registry.Registry { return n.reg }

// Listen binds the QUIC listener and starts accepting inbound handshakes.
func (n *Node) Listen(addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.listener != nil {
		return ErrListening
	}
	ln, err := quic.Listen(addr, quic.NewServerTLSConfig(n.tlsCert), n.quicCfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	n.listener = ln
	n.wg.Add(1)
	go n.acceptLoop(ln)
	n.log.Info("listening", "addr", ln.AddrString())
	return nil
}

// ListenAddr returns the bound address, or "" before Listen.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.AddrString()
}

func (n *Node) acceptLoop(ln *quic.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				n.log.Error("accept failed", "error", err)
			}
			return
		}
		if !n.limiter.AllowAddr(conn.RemoteAddr(), time.Now()) {
			n.metrics.RateLimit()
			n.log.Debug("handshake rate limited", "remote", conn.RemoteAddr().String())
			_ = conn.CloseWithError(session.CodeRateLimited, "rate limited")
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			sess, err := session.HandshakeServer(n.ctx, conn, n.creds, n.cfg)
			if err != nil {
				return
			}
			if !n.install(sess) || n.services != nil {
				return
			}
			select {
			case n.sessions <- sess:
			default:
				n.log.Warn("inbound queue full, session not queued", "peer", sess.RemoteNodeID().ShortString())
			}
		}()
	}
}

// install registers sess and reports whether it survived the tie-break.
func (n *Node) install(sess *session.Session) bool {
	winner, err := n.reg.Establish(sess)
	if err != nil || winner != registry.Conn(sess) {
		return false
	}
	if n.services != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.services.Serve(n.ctx, sess); err != nil {
				n.log.Debug("service loop ended", "peer", sess.RemoteNodeID().ShortString(), "error", err)
			}
		}()
	}
	return true
}

// Sessions delivers inbound sessions that survived the duplicate tie-break
// and are not served by a service registry. Sessions arriving while the
// queue is full are only reachable through Session.
func (n *Node) Sessions() <-chan *session.Session { return n.sessions }

// Accept waits for the next inbound session.
func (n *Node) Accept(ctx context.Context) (*session.Session, error) {
	n.mu.Lock()
	listening := n.listener != nil
	n.mu.Unlock()
	if !listening {
		return nil, ErrNotListening
	}
	select {
	case sess := <-n.sessions:
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrNodeClosed
	}
}

// Session returns the installed session with id, or nil.
func (n *Node) Session(id identity.NodeID) *session.Session {
	if c := n.reg.Get(id); c != nil {
		return c.(*session.Session)
	}
	return nil
}

// Connect returns the session with expected, dialing addr when there is none.
// A dial already in flight to the same node is joined instead of repeated.
// Transport failures are retried with backoff; trust failures are not.
func (n *Node) Connect(ctx context.Context, addr string, expected identity.NodeID) (*session.Session, error) {
	if expected.IsZero() {
		return nil, fmt.Errorf("%w: expected node id required", identity.ErrInvalidNodeID)
	}
	if expected == n.NodeID() {
		return nil, fmt.Errorf("%w: cannot connect to self", ErrUntrustedPeer)
	}
	if n.ctx.Err() != nil {
		return nil, ErrNodeClosed
	}
	for {
		if sess := n.Session(expected); sess != nil {
			return sess, nil
		}
		err := n.reg.Claim(expected)
		if err == nil {
			break
		}
		if errors.Is(err, registry.ErrClosed) {
			return nil, ErrNodeClosed
		}
		if !errors.Is(err, registry.ErrClaimed) {
			return nil, err
		}
		c, err := n.reg.Wait(ctx, expected)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c.(*session.Session), nil
		}
	}

	log := n.log.With("peer", expected.ShortString(), "addr", addr)
	var sess *session.Session
	err := registry.Retry(ctx, n.retry, session.IsTerminal, func(ctx context.Context, attempt int) error {
		// The peer may have reached us first.
		if n.reg.Get(expected) != nil {
			return nil
		}
		s, err := n.dial(ctx, addr, expected)
		n.metrics.DialAttempt(dialResult(err))
		if err != nil {
			log.Debug("dial attempt failed", "attempt", attempt, "error", err)
			return err
		}
		sess = s
		return nil
	}, func(err error, next time.Duration) {
		log.Debug("retrying dial", "in", next, "error", err)
	})
	if err != nil {
		n.reg.Fail(expected)
		if s := n.Session(expected); s != nil {
			return s, nil
		}
		log.Warn("connect failed", "error", err)
		return nil, err
	}
	if sess == nil {
		n.reg.Fail(expected)
		if s := n.Session(expected); s != nil {
			return s, nil
		}
		return n.Connect(ctx, addr, expected)
	}

	winner, err := n.reg.Establish(sess)
	if err != nil {
		return nil, ErrNodeClosed
	}
	if winner == registry.Conn(sess) && n.services != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			_ = n.services.Serve(n.ctx, sess)
		}()
	}
	return winner.(*session.Session), nil
}

func (n *Node) dial(ctx context.Context, addr string, expected identity.NodeID) (*session.Session, error) {
	conn, err := quic.Dial(ctx, addr, quic.NewClientTLSConfig(n.tlsCert), n.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionReset, err)
	}
	return session.HandshakeClient(ctx, conn, n.creds, expected, n.cfg)
}

func dialResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case session.IsTerminal(err):
		return metrics.ResultUntrusted
	case errors.Is(err, ErrHandshakeTimeout):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}

// ConnectPeer resolves id through the discovery resolver and connects.
func (n *Node) ConnectPeer(ctx context.Context, id identity.NodeID) (*session.Session, error) {
	if sess := n.Session(id); sess != nil {
		return sess, nil
	}
	if n.resolver == nil {
		return nil, ErrNoResolver
	}
	info, err := n.resolver.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id.ShortString(), err)
	}
	return n.Connect(ctx, info.Addr.String(), id)
}

// Announce publishes the listen address through the resolver. ttl of zero
// publishes a record that does not expire.
func (n *Node) Announce(ctx context.Context, ttl time.Duration) error {
	if n.resolver == nil {
		return ErrNoResolver
	}
	addr := n.ListenAddr()
	if addr == "" {
		return ErrNotListening
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("announce %s: %w", addr, err)
	}
	info := discovery.AddrInfo{
		NodeID:       n.NodeID(),
		Addr:         ap,
		Capabilities: discovery.CloneCapabilities(n.cfg.Capabilities),
	}
	if ttl > 0 {
		info.Expires = time.Now().Add(ttl)
	}
	return n.resolver.Announce(ctx, info)
}

// Call sends a request to service on node id, connecting through the
// resolver when needed.
func (n *Node) Call(ctx context.Context, id identity.NodeID, svc, path string, payload []byte) ([]byte, error) {
	sess, err := n.ConnectPeer(ctx, id)
	if err != nil {
		return nil, err
	}
	return service.Call(ctx, sess, svc, path, payload)
}

// Close stops the listener, closes every session and waits for the node's
// goroutines. It releases the identity when the node created it.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	ln := n.listener
	n.mu.Unlock()

	n.cancel()
	var errs error
	if ln != nil {
		errs = multierr.Append(errs, ln.Close())
	}
	errs = multierr.Append(errs, n.reg.Close())
	n.wg.Wait()
	if n.ownsID {
		n.id.Release()
	}
	n.log.Info("node closed")
	return errs
}
