package session

import (
	"context"
	"errors"
	"fmt"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
)

var (
	ErrHandshakeTimeout  = errors.New("session: handshake timed out")
	ErrHandshakeFailed   = errors.New("session: handshake failed")
	ErrHandshakeRejected = errors.New("session: handshake rejected by peer")
	ErrConnectionReset   = errors.New("session: connection reset")
	ErrSessionClosed     = errors.New("session: closed")
	ErrStreamClosed      = errors.New("session: stream closed")
	ErrStreamReset       = errors.New("session: stream reset by peer")
	ErrKeepaliveTimeout  = errors.New("session: keepalive timeout")
	ErrInvalidStreamKind = errors.New("session: invalid stream kind")

	// Aliases so callers can match on one package.
	ErrUntrustedPeer = certauth.ErrUntrustedPeer
	ErrFrameTooLarge = protocol.ErrFrameTooLarge
)

// Application error codes sent in QUIC CONNECTION_CLOSE and stream resets.
const (
	CodeNoError          q.ApplicationErrorCode = 0x0
	CodeUntrustedPeer    q.ApplicationErrorCode = 0x10
	CodeHandshakeFailed  q.ApplicationErrorCode = 0x11
	CodeHandshakeTimeout q.ApplicationErrorCode = 0x12
	CodeKeepaliveTimeout q.ApplicationErrorCode = 0x13
	CodeDuplicate        q.ApplicationErrorCode = 0x14
	CodeShutdown         q.ApplicationErrorCode = 0x15
	CodeRateLimited      q.ApplicationErrorCode = 0x16

	StreamCodeCancelled     q.StreamErrorCode = 0x0
	StreamCodeFrameTooLarge q.StreamErrorCode = 0x1
	StreamCodeBadFrame      q.StreamErrorCode = 0x2
	StreamCodeSessionClosed q.StreamErrorCode = 0x3
)

// IsTerminal reports whether err is a trust or cryptographic failure that a
// retry cannot fix.
func IsTerminal(err error) bool {
	return errors.Is(err, certauth.ErrUntrustedPeer) ||
		errors.Is(err, certauth.ErrInvalidSignature) ||
		errors.Is(err, certauth.ErrExpiredCertificate) ||
		errors.Is(err, certauth.ErrNotYetValid) ||
		errors.Is(err, certauth.ErrChainTooDeep) ||
		errors.Is(err, certauth.ErrBrokenChain) ||
		errors.Is(err, certauth.ErrMalformedCertificate) ||
		errors.Is(err, protocol.ErrHelloBadSignature)
}

// classifyConnErr maps a QUIC connection error onto the session taxonomy.
func classifyConnErr(err error) error {
	if err == nil {
		return ErrSessionClosed
	}
	var appErr *q.ApplicationError
	if errors.As(err, &appErr) {
		switch {
		case !appErr.Remote:
			return ErrSessionClosed
		case appErr.ErrorCode == CodeNoError || appErr.ErrorCode == CodeShutdown || appErr.ErrorCode == CodeDuplicate:
			return fmt.Errorf("%w: peer closed: %s", ErrSessionClosed, appErr.ErrorMessage)
		case appErr.ErrorCode == CodeUntrustedPeer:
			return fmt.Errorf("%w: %w: %s", ErrHandshakeRejected, ErrUntrustedPeer, appErr.ErrorMessage)
		case appErr.ErrorCode == CodeHandshakeFailed:
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, appErr.ErrorMessage)
		case appErr.ErrorCode == CodeKeepaliveTimeout:
			return fmt.Errorf("%w: %w", ErrConnectionReset, ErrKeepaliveTimeout)
		default:
			return fmt.Errorf("%w: %v", ErrConnectionReset, err)
		}
	}
	var idleErr *q.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return fmt.Errorf("%w: %v", ErrConnectionReset, err)
	}
	var hsErr *q.HandshakeTimeoutError
	if errors.As(err, &hsErr) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionReset, err)
}

func isConnErr(err error) bool {
	var (
		appErr  *q.ApplicationError
		idleErr *q.IdleTimeoutError
		hsErr   *q.HandshakeTimeoutError
		trErr   *q.TransportError
	)
	return errors.As(err, &appErr) || errors.As(err, &idleErr) || errors.As(err, &hsErr) || errors.As(err, &trErr)
}
