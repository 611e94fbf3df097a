// Package discovery maps node identifiers to dialable addresses.
package discovery

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

var (
	ErrNotFound    = errors.New("discovery: node not found")
	ErrInvalidInfo = errors.New("discovery: invalid address info")
)

// AddrInfo is what a resolver knows about a node. Whether the node is
// trusted is not a discovery question: the handshake checks the NodeID.
type AddrInfo struct {
	NodeID       identity.NodeID
	Addr         netip.AddrPort
	Capabilities map[string]string
	// Expires is when the record stops being returned. Zero never expires.
	Expires time.Time
}

// Validate reports whether info can be announced.
func (info AddrInfo) Validate() error {
	if info.NodeID.IsZero() || !info.Addr.IsValid() || info.Addr.Port() == 0 {
		return ErrInvalidInfo
	}
	return nil
}

// Expired reports whether info is stale at now.
func (info AddrInfo) Expired(now time.Time) bool {
	return !info.Expires.IsZero() && !now.Before(info.Expires)
}

// Resolver can be backed by a DHT, mDNS/DNS-SD, a bootstrap list and so on.
type Resolver interface {
	Announce(ctx context.Context, info AddrInfo) error
	Lookup(ctx context.Context, id identity.NodeID) (AddrInfo, error)
	Remove(ctx context.Context, id identity.NodeID) error
	List(ctx context.Context) ([]AddrInfo, error)
}

// CloneCapabilities returns a copy of caps.
func CloneCapabilities(caps map[string]string) map[string]string {
	out := make(map[string]string, len(caps))
	for k, v := range caps {
		out[k] = v
	}
	return out
}
