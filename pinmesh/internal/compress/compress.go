// Package compress wraps pooled LZ4 frame writers and readers.
package compress

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var ErrDecompress = errors.New("compress: decompression failed")

// Level controls the speed/ratio tradeoff.
type Level int

const (
	Fast Level = iota
	Default
	Best
)

var writers = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var readers = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress returns data as one LZ4 frame.
func Compress(data []byte, level Level) ([]byte, error) {
	var buf bytes.Buffer
	w := writers.Get().(*lz4.Writer)
	defer writers.Put(w)

	w.Reset(&buf)
	switch level {
	case Fast:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	case Best:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
	default:
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level4))
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates an LZ4 frame, refusing output larger than limit.
func Decompress(data []byte, limit int64) ([]byte, error) {
	r := readers.Get().(*lz4.Reader)
	defer readers.Put(r)

	r.Reset(bytes.NewReader(data))
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil || n > limit {
		return nil, ErrDecompress
	}
	return buf.Bytes(), nil
}
