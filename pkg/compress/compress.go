// Package compress provides the pluggable byte-stream compression stage.
// Two interchangeable strategies sit behind one interface: s2 for
// low-latency links and zstd when ratio matters more than cycles. The
// choice is per-topic configuration; both peers must agree out of band.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// ErrCorruptStream reports input that was not produced by the same
// algorithm (or was damaged in transit).
var ErrCorruptStream = errors.New("compress: corrupt stream")

// Compressor compresses and decompresses whole buffers.
type Compressor interface {
	Name() string
	Compress(b []byte) ([]byte, error)
	Decompress(b []byte) ([]byte, error)
}

// New returns the compressor named in configuration. Recognized names:
// "s2" (alias "fast"), "zstd" (alias "ratio"), "none".
func New(name string) (Compressor, error) {
	switch name {
	case "s2", "fast":
		return s2Compressor{}, nil
	case "zstd", "ratio":
		return newZstd()
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %q", name)
	}
}

// ---- s2 ----

type s2Compressor struct{}

func (s2Compressor) Name() string { return "s2" }

func (s2Compressor) Compress(b []byte) ([]byte, error) {
	return s2.Encode(nil, b), nil
}

func (s2Compressor) Decompress(b []byte) ([]byte, error) {
	out, err := s2.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("%w: s2: %v", ErrCorruptStream, err)
	}
	return out, nil
}

// ---- zstd ----

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(b []byte) ([]byte, error) {
	return z.enc.EncodeAll(b, nil), nil
}

func (z *zstdCompressor) Decompress(b []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptStream, err)
	}
	return out, nil
}
