package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
)

const acceptBacklog = 16

// Session is an authenticated, encrypted QUIC connection to one peer.
// QUIC provides transport encryption; every frame above it is additionally
// sealed under keys derived from the HELLO exchange.
type Session struct {
	conn q.Connection
	cfg  Config
	log  *slog.Logger

	id              []byte
	local, remote   identity.NodeID
	initiator       bool
	remoteAgreement [32]byte
	remoteCaps      map[string]string

	control       q.Stream
	controlMu     sync.Mutex // orders seal+write on the control stream
	controlW      *protocol.FrameWriter
	controlR      *protocol.FrameReader
	controlSealer *pmcrypto.StreamSealer
	ka            *KeepAlive

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	err     error
	keys    *pmcrypto.SessionKeys
	streams map[q.StreamID]*Stream

	accepted  chan *Stream
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn q.Connection, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:     conn,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateAuthenticating,
		streams:  make(map[q.StreamID]*Stream),
		accepted: make(chan *Stream, acceptBacklog),
		done:     make(chan struct{}),
	}
}

// start moves the session to Established and launches its background loops.
func (s *Session) start() {
	s.log = logger.With("peer", s.remote.ShortString(), "session", s.ShortID())
	s.setState(StateEstablished)
	s.cfg.Metrics.SessionOpened()

	go s.controlPump()
	go s.acceptLoop()
	go s.acceptUniLoop()
	go s.watchConn()
	if !s.cfg.KeepAlive.Disabled {
		s.ka = NewKeepAlive(s.cfg.KeepAlive, s.sendPing, s.keepaliveTimeout)
		go s.ka.Run(s.ctx)
	}
}

// ID is the session identifier, identical at both ends.
func (s *Session) ID() []byte { return append([]byte(nil), s.id...) }

func (s *Session) ShortID() string {
	if len(s.id) < 6 {
		return hex.EncodeToString(s.id)
	}
	return hex.EncodeToString(s.id[:6])
}

func (s *Session) LocalNodeID() identity.NodeID { return s.local }

func (s *Session) RemoteNodeID() identity.NodeID { return s.remote }

// Initiator reports whether the local node dialed this session.
func (s *Session) Initiator() bool { return s.initiator }

// InitiatorNodeID is the NodeID of the side that dialed.
func (s *Session) InitiatorNodeID() identity.NodeID {
	if s.initiator {
		return s.local
	}
	return s.remote
}

// RemoteAgreementKey is the peer's static X25519 key, usable as an envelope
// recipient.
func (s *Session) RemoteAgreementKey() [32]byte { return s.remoteAgreement }

func (s *Session) RemoteCapabilities() map[string]string {
	out := map[string]string{}
	for k, v := range s.remoteCaps {
		out[k] = v
	}
	return out
}

func (s *Session) Connection() q.Connection { return s.conn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RTT returns the last keepalive round trip.
func (s *Session) RTT() time.Duration {
	if s.ka == nil {
		return 0
	}
	return s.ka.RTT()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return
	}
	s.state = next
}

// Close announces the shutdown to the peer, closes the connection and zeroes
// all key material.
func (s *Session) Close() error {
	return s.CloseWithError(CodeNoError, "")
}

// CloseWithError closes the session with an application error code.
func (s *Session) CloseWithError(code q.ApplicationErrorCode, reason string) error {
	return s.shutdown(ErrSessionClosed, code, reason, true)
}

func (s *Session) shutdown(cause error, code q.ApplicationErrorCode, reason string, notify bool) error {
	var err error
	s.closeOnce.Do(func() {
		established := s.State() == StateEstablished
		s.setState(StateClosing)
		if notify && established {
			// Best effort: the peer learns the reason from CONNECTION_CLOSE anyway.
			_ = s.sendControl(protocol.MessageTypeClose, &protocol.Close{Code: uint16(code), Reason: reason})
		}
		if s.ka != nil {
			s.ka.Stop()
		}
		s.cancel()
		err = multierr.Append(err, s.conn.CloseWithError(code, reason))

		s.mu.Lock()
		s.err = cause
		streams := s.streams
		s.streams = nil
		if s.keys != nil {
			s.keys.Wipe()
		}
		s.mu.Unlock()

		for _, st := range streams {
			st.resetWith(StreamCodeSessionClosed)
		}
		if s.controlSealer != nil {
			s.controlSealer.Close()
		}
		s.setState(StateClosed)
		if established {
			s.cfg.Metrics.SessionClosed()
			s.log.Debug("session closed", "cause", cause)
		}
		close(s.done)
	})
	return err
}

func (s *Session) keepaliveTimeout() {
	s.cfg.Metrics.KeepaliveTimeout()
	s.log.Warn("keepalive timeout", "missed", s.ka.MissedPongs())
	_ = s.shutdown(ErrKeepaliveTimeout, CodeKeepaliveTimeout, "keepalive timeout", false)
}

// watchConn finishes the session when the connection dies underneath it.
func (s *Session) watchConn() {
	select {
	case <-s.ctx.Done():
	case <-s.conn.Context().Done():
		_ = s.shutdown(classifyConnErr(context.Cause(s.conn.Context())), CodeNoError, "", false)
	}
}

func (s *Session) sendControl(t protocol.MessageType, body any) error {
	payload, err := protocol.Encode(t, body)
	if err != nil {
		return err
	}
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	sealed, err := s.controlSealer.Seal(payload, s.id)
	if err != nil {
		return err
	}
	return s.controlW.WriteFrame(sealed)
}

func (s *Session) readControl() (protocol.MessageType, []byte, error) {
	sealed, err := s.controlR.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	payload, err := s.controlSealer.Open(sealed, s.id)
	if err != nil {
		return 0, nil, err
	}
	return protocol.Decode(payload)
}

func (s *Session) sendPing(seq uint64) error {
	return s.sendControl(protocol.MessageTypePing, &protocol.Ping{Seq: seq, SentAt: time.Now().UnixNano()})
}

// controlPump serves the control stream: pings are answered, pongs feed the
// keepalive and Close ends the session.
func (s *Session) controlPump() {
	for {
		t, body, err := s.readControl()
		if err != nil {
			if errors.Is(err, pmcrypto.ErrDecryptionFailed) {
				_ = s.shutdown(fmt.Errorf("%w: control frame failed authentication", ErrConnectionReset), CodeHandshakeFailed, "bad control frame", false)
				return
			}
			_ = s.shutdown(classifyConnErr(err), CodeNoError, "", false)
			return
		}
		switch t {
		case protocol.MessageTypePing:
			var ping protocol.Ping
			if protocol.Unmarshal(body, &ping) == nil {
				_ = s.sendControl(protocol.MessageTypePong, &protocol.Pong{Seq: ping.Seq})
			}
		case protocol.MessageTypePong:
			var pong protocol.Pong
			if protocol.Unmarshal(body, &pong) == nil && s.ka != nil {
				s.ka.PongReceived(pong.Seq)
			}
		case protocol.MessageTypeClose:
			var c protocol.Close
			_ = protocol.Unmarshal(body, &c)
			s.log.Debug("peer closed session", "code", c.Code, "reason", c.Reason)
			_ = s.shutdown(fmt.Errorf("%w: peer closed: %s", ErrSessionClosed, c.Reason), CodeNoError, "", false)
			return
		default:
			s.log.Debug("ignoring control message", "type", t)
		}
	}
}
