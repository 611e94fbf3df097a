package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/pinmesh/pinmesh/discovery"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

// Store is an in-memory resolver for tests, examples and single-process meshes.
type Store struct {
	mu    sync.RWMutex
	nodes map[identity.NodeID]discovery.AddrInfo
	now   func() time.Time
}

var _ discovery.Resolver = (*Store)(nil)

type Option func(*Store)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{nodes: map[identity.NodeID]discovery.AddrInfo{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Announce(_ context.Context, info discovery.AddrInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	info.Capabilities = discovery.CloneCapabilities(info.Capabilities)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[info.NodeID] = info
	return nil
}

func (s *Store) Lookup(ctx context.Context, id identity.NodeID) (discovery.AddrInfo, error) {
	if err := ctx.Err(); err != nil {
		return discovery.AddrInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.nodes[id]
	if !ok || info.Expired(s.now()) {
		return discovery.AddrInfo{}, discovery.ErrNotFound
	}
	info.Capabilities = discovery.CloneCapabilities(info.Capabilities)
	return info, nil
}

func (s *Store) Remove(_ context.Context, id identity.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

// List returns the live records ordered by NodeID.
func (s *Store) List(_ context.Context) ([]discovery.AddrInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]discovery.AddrInfo, 0, len(s.nodes))
	for _, info := range s.nodes {
		if info.Expired(now) {
			continue
		}
		info.Capabilities = discovery.CloneCapabilities(info.Capabilities)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.Less(out[j].NodeID) })
	return out, nil
}
