// Package identity holds a node's root secret and derives its purpose keys.
//
// Every key of a node comes from one 32-byte root secret through a hardened
// HMAC-SHA512 derivation chain addressed by a path such as "m/0" or by an
// alias resolved through a Scheme ("signing", "agreement", "service:<n>").
// The NodeID is the SHA-256 of the Ed25519 public key at the signing path.
//
// Private keys never leave the package except through Derive; Sign, Agree and
// Signer derive the key they need, use it and zero it again.
package identity
