package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Body compression tags stored alongside each row.
const (
	CompressionNone = 0
	CompressionZstd = 1
)

// Bodies shorter than this are stored uncompressed; zstd framing would only
// grow them.
const compressMinBytes = 64

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("store: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data using zstd and returns the compressed
// bytes along with the compression tag to persist.
func Compress(data []byte) ([]byte, int) {
	if len(data) < compressMinBytes {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decompresses data according to the stored compression tag.
func Decompress(data []byte, compression int) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("store: unsupported compression tag: %d", compression)
	}
}
