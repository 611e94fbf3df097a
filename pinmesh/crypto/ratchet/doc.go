// Package ratchet implements a symmetric hash ratchet.
//
// Every sealed message consumes one message key and advances the chain key, so a
// compromise of the current chain state does not expose earlier messages. pinmesh
// runs one chain per stream direction.
package ratchet
