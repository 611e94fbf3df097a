// Package transfer moves blobs over a session stream.
//
// The sender announces a Manifest carrying the Merkle root of the pieces,
// then streams every piece with its Merkle proof, and waits for the
// receiver's acknowledgement of the root. Pieces that fail their proof are
// dropped. With Reed-Solomon parity enabled the receiver rebuilds the blob
// from any DataShards valid pieces.
package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/TheusHen/pinmesh/pinmesh/internal/compress"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/service"
	"github.com/TheusHen/pinmesh/pinmesh/session"
)

// ServiceName is the stream service of transfers.
const ServiceName = "pinmesh/transfer"

const (
	DefaultChunkSize = 256 << 10
	// MaxChunkSize keeps a piece and its proof inside one default frame.
	MaxChunkSize   = 512 << 10
	MaxPieces      = 1 << 16
	DefaultMaxSize = 64 << 20
)

var (
	ErrInvalidManifest = errors.New("transfer: invalid manifest")
	ErrInvalidPiece    = errors.New("transfer: invalid piece")
	ErrIncomplete      = errors.New("transfer: pieces missing")
	ErrIntegrity       = errors.New("transfer: integrity check failed")
	ErrTooLarge        = errors.New("transfer: blob too large")
	ErrRejected        = errors.New("transfer: rejected by receiver")
)

var logger = logging.Logger("transfer")

// Manifest describes one blob.
type Manifest struct {
	Name string `cbor:"1,keyasint"`
	// Size is the blob size; Encoded the size after compression.
	Size         int64  `cbor:"2,keyasint"`
	Encoded      int64  `cbor:"3,keyasint"`
	Pieces       int    `cbor:"4,keyasint"`
	Root         []byte `cbor:"5,keyasint"`
	DataShards   int    `cbor:"6,keyasint,omitempty"`
	ParityShards int    `cbor:"7,keyasint,omitempty"`
	Compressed   bool   `cbor:"8,keyasint,omitempty"`
}

type piece struct {
	Index int      `cbor:"1,keyasint"`
	Data  []byte   `cbor:"2,keyasint"`
	Proof [][]byte `cbor:"3,keyasint"`
}

type ack struct {
	Root  []byte `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

type options struct {
	chunkSize    int
	dataShards   int
	parityShards int
	compress     bool
	level        compress.Level
	maxSize      int64
}

type Option func(*options)

func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithErasure spreads the blob over data shards plus parity shards; any
// data of the pieces rebuild it.
func WithErasure(data, parity int) Option {
	return func(o *options) { o.dataShards, o.parityShards = data, parity }
}

// WithCompression LZ4-compresses the blob before it is cut into pieces.
func WithCompression(level compress.Level) Option {
	return func(o *options) { o.compress, o.level = true, level }
}

// WithMaxSize bounds what a receiver accepts.
func WithMaxSize(n int64) Option {
	return func(o *options) { o.maxSize = n }
}

func newOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize, maxSize: DefaultMaxSize}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// plan cuts data into pieces and builds the manifest and tree over them.
func plan(name string, data []byte, o options) (*Manifest, [][]byte, *tree, error) {
	if o.chunkSize <= 0 || o.chunkSize > MaxChunkSize {
		return nil, nil, nil, fmt.Errorf("%w: chunk size %d", ErrInvalidManifest, o.chunkSize)
	}
	encoded := data
	if o.compress {
		packed, err := compress.Compress(data, o.level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("transfer: compress: %w", err)
		}
		encoded = packed
	}

	var pieces [][]byte
	if o.dataShards > 0 || o.parityShards > 0 {
		c, err := newCodec(o.dataShards, o.parityShards)
		if err != nil {
			return nil, nil, nil, err
		}
		if pieces, err = c.encode(encoded); err != nil {
			return nil, nil, nil, err
		}
		if len(pieces[0]) > MaxChunkSize {
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrTooLarge, errShardsTooLarge)
		}
	} else {
		for off := 0; off < len(encoded); off += o.chunkSize {
			pieces = append(pieces, encoded[off:min(off+o.chunkSize, len(encoded))])
		}
		if len(pieces) == 0 {
			pieces = [][]byte{{}}
		}
	}
	if len(pieces) > MaxPieces {
		return nil, nil, nil, fmt.Errorf("%w: %d pieces", ErrTooLarge, len(pieces))
	}

	hashes := make([][]byte, len(pieces))
	for i, p := range pieces {
		hashes[i] = leafHash(p)
	}
	t := buildTree(hashes)
	m := &Manifest{
		Name:         name,
		Size:         int64(len(data)),
		Encoded:      int64(len(encoded)),
		Pieces:       len(pieces),
		Root:         t.root(),
		DataShards:   o.dataShards,
		ParityShards: o.parityShards,
		Compressed:   o.compress,
	}
	return m, pieces, t, nil
}

// Send transfers data to the peer of sess and returns the manifest the
// receiver acknowledged.
func Send(ctx context.Context, sess *session.Session, name string, data []byte, opts ...Option) (*Manifest, error) {
	m, pieces, t, err := plan(name, data, newOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := send(ctx, sess, m, pieces, t, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// send streams the pieces for which keep returns true; nil keeps all.
func send(ctx context.Context, sess *session.Session, m *Manifest, pieces [][]byte, t *tree, keep func(int) bool) error {
	st, err := sess.OpenStream(ctx, protocol.StreamBidirectional, ServiceName)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := writeCBOR(ctx, st, m); err != nil {
		return rejection(ctx, st, m, err)
	}
	for i, data := range pieces {
		if keep != nil && !keep(i) {
			continue
		}
		proof, err := t.proof(i)
		if err != nil {
			return err
		}
		if err := writeCBOR(ctx, st, &piece{Index: i, Data: data, Proof: proof}); err != nil {
			return rejection(ctx, st, m, err)
		}
	}
	if err := st.CloseWrite(); err != nil {
		return rejection(ctx, st, m, err)
	}
	if err := readAck(ctx, st, m); err != nil {
		return err
	}
	logger.Debug("blob sent", "name", m.Name, "size", m.Size, "pieces", m.Pieces,
		"peer", sess.RemoteNodeID().ShortString())
	return nil
}

func readAck(ctx context.Context, st *session.Stream, m *Manifest) error {
	frame, err := st.ReadFrame(ctx)
	if err != nil {
		return err
	}
	var a ack
	if err := protocol.Unmarshal(frame, &a); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if a.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, a.Error)
	}
	if !bytes.Equal(a.Root, m.Root) {
		return fmt.Errorf("%w: acknowledged another root", ErrRejected)
	}
	return nil
}

// rejection prefers the receiver's stated reason over the write error it
// caused by abandoning the stream.
func rejection(ctx context.Context, st *session.Stream, m *Manifest, writeErr error) error {
	if err := readAck(ctx, st, m); errors.Is(err, ErrRejected) {
		return err
	}
	return writeErr
}

func writeCBOR(ctx context.Context, st *session.Stream, v any) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return st.WriteFrame(ctx, b)
}

// Receive reads one transfer from st, verifies it and acknowledges it.
// Only the options that bound what is accepted apply.
func Receive(ctx context.Context, st *session.Stream, opts ...Option) (*Manifest, []byte, error) {
	m, data, err := receive(ctx, st, newOptions(opts))
	if err := reply(ctx, st, m, err); err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// reply acknowledges the manifest or reports err to the sender, and returns
// err or the failure to reply.
func reply(ctx context.Context, st *session.Stream, m *Manifest, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a := ack{}
	if m != nil {
		a.Root = m.Root
	}
	if err != nil {
		a.Error = err.Error()
		_ = writeCBOR(ctx, st, &a)
		// Stop the sender instead of draining what it still has queued.
		_ = st.Close()
		return err
	}
	if err := writeCBOR(ctx, st, &a); err != nil {
		return err
	}
	return st.CloseWrite()
}

func receive(ctx context.Context, st *session.Stream, o options) (*Manifest, []byte, error) {
	frame, err := st.ReadFrame(ctx)
	if err != nil {
		return nil, nil, err
	}
	var m Manifest
	if err := protocol.Unmarshal(frame, &m); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.validate(o.maxSize); err != nil {
		return &m, nil, err
	}

	have := make([][]byte, m.Pieces)
	perPiece, budget := m.bounds()
	var buffered int64
	dropped := 0
	for {
		frame, err := st.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &m, nil, err
		}
		var p piece
		if err := protocol.Unmarshal(frame, &p); err != nil {
			return &m, nil, fmt.Errorf("%w: %v", ErrInvalidPiece, err)
		}
		if p.Index < 0 || p.Index >= m.Pieces || have[p.Index] != nil {
			return &m, nil, fmt.Errorf("%w: index %d", ErrInvalidPiece, p.Index)
		}
		if !m.fits(len(p.Data), perPiece) || !verifyProof(p.Index, m.Pieces, leafHash(p.Data), p.Proof, m.Root) {
			dropped++
			continue
		}
		if buffered += int64(len(p.Data)); buffered > budget {
			return &m, nil, fmt.Errorf("%w: pieces exceed the %d bytes announced", ErrTooLarge, budget)
		}
		have[p.Index] = append([]byte{}, p.Data...)
	}
	if dropped > 0 {
		logger.Warn("dropped pieces failing their proof", "name", m.Name, "dropped", dropped)
	}

	data, err := m.assemble(have)
	if err != nil {
		return &m, nil, err
	}
	return &m, data, nil
}

func (m *Manifest) validate(maxSize int64) error {
	switch {
	case len(m.Root) != sha256.Size:
		return fmt.Errorf("%w: root", ErrInvalidManifest)
	case m.Pieces < 1 || m.Pieces > MaxPieces:
		return fmt.Errorf("%w: %d pieces", ErrInvalidManifest, m.Pieces)
	case m.Size < 0 || m.Encoded < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidManifest)
	case m.Size > maxSize || m.Encoded > maxSize:
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, m.Size)
	case (m.DataShards > 0 || m.ParityShards > 0) && m.DataShards+m.ParityShards != m.Pieces:
		return fmt.Errorf("%w: shard counts", ErrInvalidManifest)
	case m.DataShards > 0 && shardSize(m.Encoded, m.DataShards) > MaxChunkSize:
		return fmt.Errorf("%w: %w", ErrTooLarge, errShardsTooLarge)
	case !m.Compressed && m.Size != m.Encoded:
		return fmt.Errorf("%w: sizes", ErrInvalidManifest)
	}
	return nil
}

// bounds returns the largest piece the manifest allows and the most bytes
// its pieces may hold together.
func (m *Manifest) bounds() (perPiece, total int64) {
	if m.DataShards > 0 {
		per := shardSize(m.Encoded, m.DataShards)
		return per, per * int64(m.Pieces)
	}
	return min(m.Encoded, MaxChunkSize), m.Encoded
}

// fits reports whether a piece of n bytes has a size the manifest allows.
// Erasure shards all have the same size.
func (m *Manifest) fits(n int, perPiece int64) bool {
	if m.DataShards > 0 {
		return int64(n) == perPiece
	}
	return int64(n) <= perPiece
}

func (m *Manifest) assemble(have [][]byte) ([]byte, error) {
	var encoded []byte
	if m.DataShards > 0 {
		c, err := newCodec(m.DataShards, m.ParityShards)
		if err != nil {
			return nil, err
		}
		if encoded, err = c.decode(have, m.Encoded); err != nil {
			return nil, err
		}
	} else {
		buf := make([]byte, 0, m.Encoded)
		for i, p := range have {
			if p == nil {
				return nil, fmt.Errorf("%w: piece %d", ErrIncomplete, i)
			}
			buf = append(buf, p...)
		}
		encoded = buf
	}
	if int64(len(encoded)) != m.Encoded {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrIntegrity, len(encoded), m.Encoded)
	}
	if !m.Compressed {
		return encoded, nil
	}
	data, err := compress.Decompress(encoded, m.Size)
	if err != nil || int64(len(data)) != m.Size {
		return nil, fmt.Errorf("%w: decompressed size", ErrIntegrity)
	}
	return data, nil
}

// Handler returns a stream handler for service.Registry.HandleStream that
// hands every received blob to fn. An error from fn is reported to the
// sender.
func Handler(fn func(ctx context.Context, from *session.Session, m *Manifest, data []byte) error, opts ...Option) service.StreamHandler {
	return func(ctx context.Context, st *session.Stream) error {
		m, data, err := receive(ctx, st, newOptions(opts))
		if err == nil {
			err = fn(ctx, st.Session(), m, data)
		}
		return reply(ctx, st, m, err)
	}
}
