package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/transport/quic"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second

	// controlMaxFrame bounds frames on the control stream.
	controlMaxFrame = 64 << 10

	sessionIDLabel = "pinmesh-session-id"
)

var logger = logging.Logger("session")

// Credentials is what a node presents during the handshake. Chain[0] must
// certify the signing key of Identity.
type Credentials struct {
	Identity *identity.Identity
	Chain    certauth.Chain
}

// Config controls handshakes and the sessions they produce.
type Config struct {
	HandshakeTimeout time.Duration
	// MaxFrameSize bounds the plaintext of one application frame.
	MaxFrameSize int
	KeepAlive    KeepAliveConfig
	Capabilities map[string]string

	TrustStore *certauth.TrustStore
	// Verifier defaults to a verifier with the default depth and no cache.
	Verifier *certauth.Verifier
	// Now defaults to time.Now.
	Now     func() time.Time
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.TrustStore == nil {
		c.TrustStore = certauth.NewTrustStore()
	}
	if !c.KeepAlive.Disabled {
		c.KeepAlive = c.KeepAlive.withDefaults()
	}
	return c
}

type handshake struct {
	ctx      context.Context
	conn     q.Connection
	creds    Credentials
	cfg      Config
	role     protocol.Role
	expected identity.NodeID
	log      *slog.Logger

	peerKey  []byte
	exporter []byte
	eph      pmcrypto.X25519KeyPair

	control q.Stream
	fw      *protocol.FrameWriter
	fr      *protocol.FrameReader
}

// HandshakeClient authenticates conn as the initiator. A non-zero expected
// NodeID must match the peer's leaf certificate.
func HandshakeClient(ctx context.Context, conn q.Connection, creds Credentials, expected identity.NodeID, cfg Config) (*Session, error) {
	return runHandshake(ctx, conn, creds, expected, cfg, protocol.RoleInitiator)
}

// HandshakeServer authenticates conn as the responder.
func HandshakeServer(ctx context.Context, conn q.Connection, creds Credentials, cfg Config) (*Session, error) {
	return runHandshake(ctx, conn, creds, identity.NodeID{}, cfg, protocol.RoleResponder)
}

func runHandshake(ctx context.Context, conn q.Connection, creds Credentials, expected identity.NodeID, cfg Config, role protocol.Role) (*Session, error) {
	cfg = cfg.withDefaults()
	if creds.Identity == nil || creds.Chain.Leaf() == nil {
		return nil, fmt.Errorf("%w: missing credentials", ErrHandshakeFailed)
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	// Stream reads do not take a context; closing the connection unblocks them.
	stop := context.AfterFunc(hctx, func() {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			_ = conn.CloseWithError(CodeHandshakeTimeout, "handshake timeout")
			return
		}
		_ = conn.CloseWithError(CodeHandshakeFailed, "handshake cancelled")
	})
	defer stop()

	h := &handshake{
		ctx:      hctx,
		conn:     conn,
		creds:    creds,
		cfg:      cfg,
		role:     role,
		expected: expected,
		log:      logger.With("role", roleName(role), "remote", conn.RemoteAddr().String()),
	}
	defer h.eph.Wipe()

	sess, err := h.run()
	if err != nil {
		return nil, h.fail(err)
	}
	if !stop() {
		// The deadline fired after the last step; the connection is gone.
		sess.shutdown(ErrHandshakeTimeout, CodeHandshakeTimeout, "", false)
		return nil, h.fail(context.DeadlineExceeded)
	}
	cfg.Metrics.Handshake(roleName(role), metrics.ResultOK)
	h.log.Debug("session established", "peer", sess.remote.ShortString(), "session", sess.ShortID())
	sess.start()
	return sess, nil
}

func (h *handshake) run() (*Session, error) {
	state := h.conn.ConnectionState().TLS
	var err error
	if h.peerKey, err = quic.PeerKey(state); err != nil {
		return nil, err
	}
	if h.exporter, err = quic.ExportBinding(state); err != nil {
		return nil, err
	}
	if h.eph, err = pmcrypto.GenerateX25519(); err != nil {
		return nil, err
	}

	// The initiator opens the control stream and speaks first.
	if h.role == protocol.RoleInitiator {
		h.control, err = h.conn.OpenStreamSync(h.ctx)
	} else {
		h.control, err = h.conn.AcceptStream(h.ctx)
	}
	if err != nil {
		return nil, err
	}
	h.fw = protocol.NewFrameWriter(h.control, controlMaxFrame)
	h.fr = protocol.NewFrameReader(h.control, controlMaxFrame)

	var remote *protocol.Hello
	if h.role == protocol.RoleInitiator {
		if err := h.sendHello(); err != nil {
			return nil, err
		}
		if remote, err = h.readHello(); err != nil {
			return nil, err
		}
	} else {
		// The responder reveals nothing before the initiator is authenticated.
		if remote, err = h.readHello(); err != nil {
			return nil, err
		}
	}

	remoteID, err := h.authenticate(remote)
	if err != nil {
		return nil, err
	}
	if h.role == protocol.RoleResponder {
		if err := h.sendHello(); err != nil {
			return nil, err
		}
	}

	sess, err := h.newSession(remote, remoteID)
	if err != nil {
		return nil, err
	}
	if err := h.confirm(sess); err != nil {
		sess.keys.Wipe()
		sess.controlSealer.Close()
		return nil, err
	}
	return sess, nil
}

func (h *handshake) sendHello() error {
	agreement := h.creds.Identity.AgreementPublicKey()
	hello := &protocol.Hello{
		Version:      protocol.HelloVersion,
		Chain:        certauth.EncodeChain(h.creds.Chain),
		Ephemeral:    bytes.Clone(h.eph.PublicKey[:]),
		Agreement:    agreement[:],
		Capabilities: h.cfg.Capabilities,
	}
	if err := hello.Sign(h.creds.Identity, h.role, h.exporter); err != nil {
		return err
	}
	payload, err := protocol.EncodeHello(hello)
	if err != nil {
		return err
	}
	return h.fw.WriteFrame(payload)
}

func (h *handshake) readHello() (*protocol.Hello, error) {
	payload, err := h.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeHello(payload)
}

// authenticate checks the peer's Hello against the TLS connection and the
// trust store. It returns the peer's leaf NodeID.
func (h *handshake) authenticate(hello *protocol.Hello) (identity.NodeID, error) {
	chain, err := certauth.DecodeChain(hello.Chain)
	if err != nil {
		return identity.NodeID{}, err
	}
	leaf := chain.Leaf()
	if !bytes.Equal(leaf.SubjectKey, h.peerKey) {
		return identity.NodeID{}, fmt.Errorf("%w: tls key does not match certificate", ErrUntrustedPeer)
	}
	if err := hello.Verify(leaf.SubjectKey, h.role.Peer(), h.exporter); err != nil {
		return identity.NodeID{}, err
	}
	// The expected NodeID is checked against the TLS key itself before the
	// trust store sees the chain, so a mismatch never pins anything.
	if keyID := identity.NodeIDFromPublicKey(h.peerKey); !h.expected.IsZero() && keyID != h.expected {
		return identity.NodeID{}, fmt.Errorf("%w: expected %s, got %s", ErrUntrustedPeer, h.expected.ShortString(), keyID.ShortString())
	}

	verify := certauth.Verify
	if h.cfg.Verifier != nil {
		verify = h.cfg.Verifier.Verify
	}
	id, err := verify(chain, h.cfg.TrustStore, h.cfg.Now())
	if err != nil {
		return identity.NodeID{}, err
	}
	if !h.expected.IsZero() && id != h.expected {
		return identity.NodeID{}, fmt.Errorf("%w: expected %s, got %s", ErrUntrustedPeer, h.expected.ShortString(), id.ShortString())
	}
	return id, nil
}

func (h *handshake) newSession(remote *protocol.Hello, remoteID identity.NodeID) (*Session, error) {
	var peerEph, peerAgreement [32]byte
	copy(peerEph[:], remote.Ephemeral)
	copy(peerAgreement[:], remote.Agreement)

	local := h.creds.Identity
	var (
		dhI, dhR   []byte
		ephI, ephR [32]byte
		err        error
	)
	if h.role == protocol.RoleInitiator {
		ephI, ephR = h.eph.PublicKey, peerEph
		if dhI, err = pmcrypto.ECDH(h.eph.PrivateKey, peerAgreement); err != nil {
			return nil, err
		}
		defer pmcrypto.Zero(dhI)
		if dhR, err = local.Agree("agreement", peerEph); err != nil {
			return nil, err
		}
	} else {
		ephI, ephR = peerEph, h.eph.PublicKey
		if dhI, err = local.Agree("agreement", peerEph); err != nil {
			return nil, err
		}
		defer pmcrypto.Zero(dhI)
		if dhR, err = pmcrypto.ECDH(h.eph.PrivateKey, peerAgreement); err != nil {
			return nil, err
		}
	}
	defer pmcrypto.Zero(dhR)

	keys, err := pmcrypto.DeriveSessionKeys(dhI, dhR, h.exporter, ephI, ephR)
	if err != nil {
		return nil, err
	}
	initiator := h.role == protocol.RoleInitiator
	sealer, err := pmcrypto.NewStreamSealer(keys, initiator, uint64(h.control.StreamID()))
	if err != nil {
		keys.Wipe()
		return nil, err
	}

	sum := sha256.Sum256(append([]byte(sessionIDLabel), h.exporter...))
	sess := newSession(h.conn, h.cfg)
	sess.id = sum[:]
	sess.local = local.NodeID()
	sess.remote = remoteID
	sess.initiator = initiator
	sess.remoteAgreement = peerAgreement
	sess.remoteCaps = remote.Capabilities
	sess.keys = keys
	sess.control = h.control
	sess.controlW = h.fw
	sess.controlR = h.fr
	sess.controlSealer = sealer
	return sess, nil
}

// confirm proves both sides derived the same keys: the initiator sends a
// sealed Ready carrying the session ID and the responder must open it.
func (h *handshake) confirm(sess *Session) error {
	if h.role == protocol.RoleInitiator {
		return sess.sendControl(protocol.MessageTypeReady, &protocol.Ready{SessionID: sess.id})
	}
	t, body, err := sess.readControl()
	if err != nil {
		return err
	}
	if t != protocol.MessageTypeReady {
		return fmt.Errorf("%w: got %s, want %s", protocol.ErrUnexpectedType, t, protocol.MessageTypeReady)
	}
	var ready protocol.Ready
	if err := protocol.Unmarshal(body, &ready); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	if !bytes.Equal(ready.SessionID, sess.id) {
		return fmt.Errorf("%w: session id mismatch", ErrHandshakeFailed)
	}
	return nil
}

// fail closes the connection with a code describing err and returns the
// error reported to the caller.
func (h *handshake) fail(err error) error {
	code, reason, result := CodeHandshakeFailed, "handshake failed", metrics.ResultError
	switch {
	case errors.Is(h.ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: after %s", ErrHandshakeTimeout, h.cfg.HandshakeTimeout)
		code, reason, result = CodeHandshakeTimeout, "handshake timeout", metrics.ResultTimeout
	case h.ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, h.ctx.Err())
	case IsTerminal(err) && !errors.Is(err, ErrHandshakeRejected):
		code, reason, result = CodeUntrustedPeer, "untrusted peer", metrics.ResultUntrusted
	case isConnErr(err):
		err = classifyConnErr(err)
		if errors.Is(err, ErrHandshakeRejected) {
			result = metrics.ResultUntrusted
		}
	case errors.Is(err, ErrHandshakeFailed):
	default:
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	_ = h.conn.CloseWithError(code, reason)
	h.cfg.Metrics.Handshake(roleName(h.role), result)
	h.log.Warn("handshake failed", "error", err)
	return err
}

func roleName(r protocol.Role) string {
	if r == protocol.RoleInitiator {
		return "initiator"
	}
	return "responder"
}
