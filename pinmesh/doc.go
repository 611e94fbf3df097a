// Package pinmesh connects nodes whose identities are pinned Ed25519 keys.
//
// A node derives every key it uses from one root secret (package identity),
// proves its identity with compact certificates (package certauth) and talks
// to other nodes over QUIC sessions that are authenticated twice: once by
// TLS, once by a signed HELLO bound to the TLS exporter (package session).
// Each session carries independently keyed streams. Data at rest is sealed
// for a set of recipients with package envelope.
//
// Node ties these together: it listens, dials with retries, keeps at most
// one session per remote node and resolves addresses through a
// discovery.Resolver.
package pinmesh
