package transfer

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost    = errors.New("transfer: too many pieces lost to recover")
	ErrInvalidShards  = errors.New("transfer: invalid data/parity shard counts")
	errShardsTooLarge = errors.New("transfer: shard exceeds the maximum piece size")
)

// maxShards is the Reed-Solomon limit over GF(2^8).
const maxShards = 256

// codec spreads a payload over data shards and adds parity so any
// DataShards of the pieces rebuild it.
type codec struct {
	enc          reedsolomon.Encoder
	data, parity int
}

func newCodec(data, parity int) (*codec, error) {
	if data <= 0 || parity <= 0 || data+parity > maxShards {
		return nil, ErrInvalidShards
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, err
	}
	return &codec{enc: enc, data: data, parity: parity}, nil
}

// encode splits payload into data shards and computes parity.
func (c *codec) encode(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		// Split rejects empty input; one zero byte per shard stands in.
		payload = []byte{0}
	}
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// shardSize is the size of every shard encode produces for size bytes.
func shardSize(size int64, data int) int64 {
	return (max(size, 1) + int64(data) - 1) / int64(data)
}

// decode rebuilds missing (nil) data shards and joins the first size bytes.
func (c *codec) decode(shards [][]byte, size int64) ([]byte, error) {
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, fmt.Errorf("%w: %w", ErrIncomplete, ErrTooManyLost)
		}
		return nil, err
	}
	out := make([]byte, 0, size)
	for i := 0; i < c.data && int64(len(out)) < size; i++ {
		rest := size - int64(len(out))
		if int64(len(shards[i])) > rest {
			out = append(out, shards[i][:rest]...)
		} else {
			out = append(out, shards[i]...)
		}
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, ErrTooManyLost)
	}
	return out, nil
}
