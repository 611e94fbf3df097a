package certauth

import "errors"

// Verification errors.
var (
	ErrMalformedCertificate = errors.New("certauth: malformed certificate")
	ErrUnsupportedVersion   = errors.New("certauth: unsupported certificate version")
	ErrInvalidSignature     = errors.New("certauth: invalid certificate signature")
	ErrExpiredCertificate   = errors.New("certauth: certificate has expired")
	ErrNotYetValid          = errors.New("certauth: certificate is not yet valid")
	ErrChainTooDeep         = errors.New("certauth: certificate chain too deep")
	ErrBrokenChain          = errors.New("certauth: issuer linkage broken")
	ErrUntrustedPeer        = errors.New("certauth: untrusted peer")
	ErrKeyMismatch          = errors.New("certauth: node id does not match public key")
)
