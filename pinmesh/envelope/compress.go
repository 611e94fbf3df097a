package envelope

import "github.com/TheusHen/pinmesh/pinmesh/internal/compress"

// CompressionLevel controls the speed/ratio tradeoff of WithCompression.
type CompressionLevel = compress.Level

const (
	CompressionFast    = compress.Fast
	CompressionDefault = compress.Default
	CompressionBest    = compress.Best
)
