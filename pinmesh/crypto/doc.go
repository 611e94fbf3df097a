// Package crypto provides the symmetric and key-agreement primitives used by pinmesh.
//
// Design goals:
//   - Fast on commodity hardware (no AES-NI required)
//   - Ephemeral-static X25519 agreement for session keys
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) and XChaCha20-Poly1305
//   - Key derivation via HKDF-SHA256 with explicit context strings
//   - Key material is wiped as soon as its holder is done with it
package crypto
