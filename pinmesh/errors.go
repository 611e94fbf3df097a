package pinmesh

import (
	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/envelope"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/registry"
	"github.com/TheusHen/pinmesh/pinmesh/session"
)

// Errors callers match with errors.Is, gathered from the subpackages.
var (
	ErrInvalidPath        = identity.ErrInvalidPath
	ErrKeyUnavailable     = identity.ErrKeyUnavailable
	ErrInvalidSignature   = certauth.ErrInvalidSignature
	ErrExpiredCertificate = certauth.ErrExpiredCertificate
	ErrUntrustedPeer      = certauth.ErrUntrustedPeer
	ErrHandshakeTimeout   = session.ErrHandshakeTimeout
	ErrDecryptionFailure  = envelope.ErrDecryptionFailure
	ErrFrameTooLarge      = protocol.ErrFrameTooLarge
	ErrConnectionReset    = session.ErrConnectionReset
	ErrPeerUnreachable    = registry.ErrPeerUnreachable
)
