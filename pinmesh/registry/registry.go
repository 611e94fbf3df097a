// Package registry tracks at most one session per remote node and resolves
// simultaneous dials between two nodes.
package registry

import (
	"context"
	"errors"
	"sync"

	q "github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
	"github.com/TheusHen/pinmesh/pinmesh/metrics"
	"github.com/TheusHen/pinmesh/pinmesh/session"
)

var (
	ErrClaimed = errors.New("registry: peer already has an active or pending session")
	ErrClosed  = errors.New("registry: closed")
)

var logger = logging.Logger("registry")

// Conn is the part of a session the registry needs.
type Conn interface {
	ID() []byte
	RemoteNodeID() identity.NodeID
	InitiatorNodeID() identity.NodeID
	Done() <-chan struct{}
	CloseWithError(code q.ApplicationErrorCode, reason string) error
}

var _ Conn = (*session.Session)(nil)

type entry struct {
	pending bool
	current string        // arena key of the installed session, "" if none
	changed chan struct{} // closed and replaced on every update
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Registry maps NodeIDs to sessions. Sessions live in an arena keyed by
// session ID; per-node entries only hold that key.
type Registry struct {
	mu      sync.Mutex
	entries map[identity.NodeID]*entry
	arena   map[string]Conn
	closed  bool
	metrics *metrics.Metrics
}

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[identity.NodeID]*entry),
		arena:   make(map[string]Conn),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Claim marks a dial to id as pending. It fails if id already has an active
// session or a pending dial.
func (r *Registry) Claim(id identity.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	e, ok := r.entries[id]
	if ok && (e.pending || e.current != "") {
		return ErrClaimed
	}
	if !ok {
		e = &entry{changed: make(chan struct{})}
		r.entries[id] = e
	}
	e.pending = true
	return nil
}

// Fail clears a pending dial to id.
func (r *Registry) Fail(id identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.pending {
		return
	}
	e.pending = false
	if e.current == "" {
		delete(r.entries, id)
	}
	e.notify()
}

// Establish installs c for its remote node and returns the session that
// survives. When the node already has a different session the tie-break
// decides: of two sessions opened from opposite ends, the one initiated by
// the smaller NodeID wins; of two from the same end, the newer wins. The
// loser is closed with CodeDuplicate. Both ends pick the same connection.
// Establish also clears the node's pending dial when c is outbound.
func (r *Registry) Establish(c Conn) (Conn, error) {
	remote := c.RemoteNodeID()
	key := string(c.ID())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.CloseWithError(session.CodeShutdown, "shutting down")
		return nil, ErrClosed
	}
	e, ok := r.entries[remote]
	if !ok {
		e = &entry{changed: make(chan struct{})}
		r.entries[remote] = e
	}
	if c.InitiatorNodeID() != remote {
		e.pending = false
	}
	if e.current == key {
		e.notify()
		r.mu.Unlock()
		return c, nil
	}

	winner, loser := c, Conn(nil)
	if cur, ok := r.arena[e.current]; ok {
		winner, loser = pick(cur, c)
	}
	if loser != nil {
		delete(r.arena, string(loser.ID()))
	}
	wkey := string(winner.ID())
	r.arena[wkey] = winner
	e.current = wkey
	e.notify()
	r.mu.Unlock()

	if loser != nil {
		r.metrics.DuplicateSession()
		logger.Debug("closing duplicate session", "peer", remote.ShortString(),
			"kept_initiator", winner.InitiatorNodeID().ShortString())
		_ = loser.CloseWithError(session.CodeDuplicate, "duplicate session")
	}
	if winner == c {
		go r.watch(c)
	}
	return winner, nil
}

// pick applies the tie-break between the installed session and a new one.
func pick(cur, next Conn) (winner, loser Conn) {
	ci, ni := cur.InitiatorNodeID(), next.InitiatorNodeID()
	if ci == ni || ni.Less(ci) {
		return next, cur
	}
	return cur, next
}

func (r *Registry) watch(c Conn) {
	<-c.Done()
	r.Remove(c)
}

// Remove drops c if it is still the installed session of its node.
func (r *Registry) Remove(c Conn) {
	remote := c.RemoteNodeID()
	key := string(c.ID())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.arena[key] == c {
		delete(r.arena, key)
	}
	e, ok := r.entries[remote]
	if !ok || e.current != key {
		return
	}
	e.current = ""
	if !e.pending {
		delete(r.entries, remote)
	}
	e.notify()
}

// Get returns the installed session of id, or nil.
func (r *Registry) Get(id identity.NodeID) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return r.arena[e.current]
}

// Pending reports whether a dial to id is in flight.
func (r *Registry) Pending(id identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.pending
}

// Lookup returns a session by its session ID.
func (r *Registry) Lookup(sessionID []byte) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arena[string(sessionID)]
}

// Wait blocks until id has an installed session or no pending dial.
func (r *Registry) Wait(ctx context.Context, id identity.NodeID) (Conn, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			r.mu.Unlock()
			return nil, nil
		}
		if c, ok := r.arena[e.current]; ok {
			r.mu.Unlock()
			return c, nil
		}
		if !e.pending {
			r.mu.Unlock()
			return nil, nil
		}
		changed := e.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Active returns every installed session.
func (r *Registry) Active() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.arena))
	for _, c := range r.arena {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.arena)
}

// Close refuses further sessions and closes the installed ones in parallel.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]Conn, 0, len(r.arena))
	for _, c := range r.arena {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if err := c.CloseWithError(session.CodeShutdown, "shutting down"); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
