package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
)

// Stream is one sealed, framed application stream. A bidirectional stream
// both reads and writes; a unidirectional stream only writes on the opening
// side and only reads on the accepting side.
type Stream struct {
	sess     *Session
	id       q.StreamID
	kind     protocol.StreamKind
	service  string
	outbound bool

	send   q.SendStream
	recv   q.ReceiveStream
	sealer *pmcrypto.StreamSealer
	fw     *protocol.FrameWriter
	fr     *protocol.FrameReader

	wmu       sync.Mutex
	rmu       sync.Mutex
	closeOnce sync.Once
}

func (st *Stream) ID() q.StreamID { return st.id }

func (st *Stream) Kind() protocol.StreamKind { return st.kind }

// Service is the name the opener put in the stream header.
func (st *Stream) Service() string { return st.service }

func (st *Stream) Outbound() bool { return st.outbound }

func (st *Stream) Session() *Session { return st.sess }

// OpenStream opens an application stream and sends its header.
func (s *Session) OpenStream(ctx context.Context, kind protocol.StreamKind, service string) (*Stream, error) {
	st := &Stream{sess: s, kind: kind, service: service, outbound: true}
	switch kind {
	case protocol.StreamBidirectional:
		qs, err := s.conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, s.streamErr(ctx, err)
		}
		st.id, st.send, st.recv = qs.StreamID(), qs, qs
	case protocol.StreamUnidirectional:
		qs, err := s.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return nil, s.streamErr(ctx, err)
		}
		st.id, st.send = qs.StreamID(), qs
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamKind, kind)
	}

	if err := s.register(st); err != nil {
		st.resetWith(StreamCodeSessionClosed)
		return nil, err
	}
	header, err := protocol.Encode(protocol.MessageTypeStreamHeader, &protocol.StreamHeader{Kind: kind, Service: service})
	if err != nil {
		st.Reset()
		return nil, err
	}
	if err := st.writeSealed(ctx, header); err != nil {
		st.Reset()
		return nil, err
	}
	s.cfg.Metrics.StreamOpened(kind.String(), "out")
	return st, nil
}

// AcceptStream returns the next stream opened by the peer, after its header
// has been read and authenticated.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.accepted:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.closedErr()
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isConnErr(err) {
		return classifyConnErr(err)
	}
	return err
}

// register derives the stream's sealer and adds it to the stream table.
func (s *Session) register(st *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams == nil {
		return ErrSessionClosed
	}
	sealer, err := pmcrypto.NewStreamSealer(s.keys, s.initiator, uint64(st.id))
	if err != nil {
		return err
	}
	wireMax := s.cfg.MaxFrameSize + pmcrypto.SealedOverhead
	st.sealer = sealer
	if st.send != nil {
		st.fw = protocol.NewFrameWriter(st.send, wireMax)
	}
	if st.recv != nil {
		st.fr = protocol.NewFrameReader(st.recv, wireMax)
	}
	s.streams[st.id] = st
	return nil
}

func (s *Session) unregister(id q.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams != nil {
		delete(s.streams, id)
	}
}

// StreamCount returns the number of live streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) acceptLoop() {
	for {
		qs, err := s.conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		go s.setupInbound(&Stream{sess: s, id: qs.StreamID(), kind: protocol.StreamBidirectional, send: qs, recv: qs})
	}
}

func (s *Session) acceptUniLoop() {
	for {
		qs, err := s.conn.AcceptUniStream(s.ctx)
		if err != nil {
			return
		}
		go s.setupInbound(&Stream{sess: s, id: qs.StreamID(), kind: protocol.StreamUnidirectional, recv: qs})
	}
}

// setupInbound reads the header of a peer stream and queues it for
// AcceptStream. Streams with a bad header are reset without surfacing.
func (s *Session) setupInbound(st *Stream) {
	if err := s.register(st); err != nil {
		st.resetWith(StreamCodeSessionClosed)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	payload, err := st.ReadFrame(ctx)
	if err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			st.Reset()
		}
		return
	}
	var hdr protocol.StreamHeader
	if err := protocol.DecodeAs(payload, protocol.MessageTypeStreamHeader, &hdr); err != nil || hdr.Kind != st.kind {
		s.log.Debug("rejecting stream", "stream", st.id, "error", err)
		st.resetWith(StreamCodeBadFrame)
		return
	}
	st.service = hdr.Service
	s.cfg.Metrics.StreamOpened(st.kind.String(), "in")

	select {
	case s.accepted <- st:
	case <-s.ctx.Done():
		st.resetWith(StreamCodeSessionClosed)
	}
}

// WriteFrame seals p and writes it as one frame. A payload above the session's
// MaxFrameSize fails with ErrFrameTooLarge and resets this stream only.
func (st *Stream) WriteFrame(ctx context.Context, p []byte) error {
	if st.send == nil {
		return fmt.Errorf("%w: stream is receive-only", ErrInvalidStreamKind)
	}
	if len(p) < protocol.MinFrameSize {
		return protocol.ErrFrameTooSmall
	}
	if len(p) > st.sess.cfg.MaxFrameSize {
		st.sess.cfg.Metrics.OversizeFrame()
		st.resetWith(StreamCodeFrameTooLarge)
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(p), st.sess.cfg.MaxFrameSize)
	}
	return st.writeSealed(ctx, p)
}

func (st *Stream) writeSealed(ctx context.Context, p []byte) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()

	sealed, err := st.sealer.Seal(p, st.sess.id)
	if err != nil {
		return st.translate(ctx, err)
	}
	release := deadline(ctx, st.send.SetWriteDeadline)
	err = st.fw.WriteFrame(sealed)
	release()
	if err != nil {
		return st.translate(ctx, err)
	}
	return nil
}

// ReadFrame reads and opens the next frame. io.EOF means the peer finished
// sending. Cancelling ctx mid-read leaves the stream unusable.
func (st *Stream) ReadFrame(ctx context.Context) ([]byte, error) {
	if st.recv == nil {
		return nil, fmt.Errorf("%w: stream is send-only", ErrInvalidStreamKind)
	}
	st.rmu.Lock()
	defer st.rmu.Unlock()

	release := deadline(ctx, st.recv.SetReadDeadline)
	sealed, err := st.fr.ReadFrame()
	release()
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			st.sess.cfg.Metrics.OversizeFrame()
			st.resetWith(StreamCodeFrameTooLarge)
			return nil, err
		}
		return nil, st.translate(ctx, err)
	}
	p, err := st.sealer.Open(sealed, st.sess.id)
	if err != nil {
		st.resetWith(StreamCodeBadFrame)
		return nil, err
	}
	return p, nil
}

// deadline applies ctx to a stream deadline setter and returns a func that
// clears it again.
func deadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}

func (st *Stream) translate(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if errors.Is(err, pmcrypto.ErrSealerClosed) {
		return ErrStreamClosed
	}
	var streamErr *q.StreamError
	if errors.As(err, &streamErr) {
		if !streamErr.Remote {
			return ErrStreamClosed
		}
		if streamErr.ErrorCode == StreamCodeFrameTooLarge {
			return fmt.Errorf("%w: %w", ErrStreamReset, ErrFrameTooLarge)
		}
		if streamErr.ErrorCode == StreamCodeSessionClosed {
			return fmt.Errorf("%w: %w", ErrStreamReset, ErrSessionClosed)
		}
		return ErrStreamReset
	}
	if isConnErr(err) {
		return classifyConnErr(err)
	}
	return err
}

// CloseWrite finishes the sending side; the peer reads io.EOF.
func (st *Stream) CloseWrite() error {
	if st.send == nil {
		return nil
	}
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return st.send.Close()
}

// Close finishes sending, stops reading and wipes the stream keys.
func (st *Stream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		if st.send != nil {
			st.wmu.Lock()
			err = st.send.Close()
			st.wmu.Unlock()
		}
		if st.recv != nil {
			st.recv.CancelRead(StreamCodeCancelled)
		}
		st.release()
	})
	return err
}

// Reset abandons the stream in both directions.
func (st *Stream) Reset() {
	st.resetWith(StreamCodeCancelled)
}

func (st *Stream) resetWith(code q.StreamErrorCode) {
	st.closeOnce.Do(func() {
		st.abort(code)
	})
}

func (st *Stream) abort(code q.StreamErrorCode) {
	if st.send != nil {
		st.send.CancelWrite(code)
	}
	if st.recv != nil {
		st.recv.CancelRead(code)
	}
	st.release()
}

func (st *Stream) release() {
	if st.sealer != nil {
		st.sealer.Close()
	}
	st.sess.unregister(st.id)
}
