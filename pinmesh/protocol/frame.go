package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	LengthPrefixSize = 4

	// MinFrameSize is the smallest payload a frame may carry.
	MinFrameSize = 1

	// DefaultMaxFrameSize limits a single frame payload.
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrFrameTooSmall = errors.New("protocol: frame too small")
)

// FrameWriter writes length-prefixed frames:
//
//	4 bytes: payload length (big endian)
//	N bytes: payload
type FrameWriter struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

func NewFrameWriter(w io.Writer, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// WriteFrame writes one frame. Prefix and payload go out in a single Write.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) < MinFrameSize {
		return ErrFrameTooSmall
	}
	if len(payload) > fw.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

// FrameReader reads frames written by FrameWriter.
type FrameReader struct {
	r         io.Reader
	maxSize   int
	lengthBuf [LengthPrefixSize]byte
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame reads one frame. An oversize length prefix fails with
// ErrFrameTooLarge before any payload is read; the stream is then unusable.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if n < MinFrameSize {
		return nil, ErrFrameTooSmall
	}
	if uint64(n) > uint64(fr.maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, fr.maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
