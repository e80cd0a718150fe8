// Package compress provides the body codecs negotiated through the
// X-Klog-Compress-Type header.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hsdfat/go-klog/klogerr"
)

// Codec names as sent on the wire.
const (
	NameNone = "none"
	NameLZ4  = "lz4"
	NameZstd = "zstd"
)

// Compressor transforms request bodies. Implementations are safe for
// concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// New returns the compressor registered under name.
func New(name string) (Compressor, error) {
	switch name {
	case NameLZ4, "":
		return LZ4{}, nil
	case NameZstd:
		return &Zstd{}, nil
	case NameNone:
		return None{}, nil
	default:
		return nil, klogerr.Configf("unknown compression %q", name)
	}
}

// None passes data through unchanged.
type None struct{}

func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }
func (None) Name() string                           { return NameNone }

// LZ4 uses the LZ4 frame format.
type LZ4 struct{}

func (LZ4) Name() string { return NameLZ4 }

// Compress returns data as a single LZ4 frame.
func (LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(lz4.CompressBlockBound(len(data)) + 32)
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reads a complete LZ4 frame.
func (LZ4) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

// Zstd uses zstd at the default level. The encoder and decoder are created
// on first use and shared.
type Zstd struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (z *Zstd) Name() string { return NameZstd }

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.encoder, z.err = zstd.NewWriter(nil)
		if z.err != nil {
			return
		}
		z.decoder, z.err = zstd.NewReader(nil)
	})
	return z.err
}

// Compress returns data as a single zstd frame.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	return z.encoder.EncodeAll(data, nil), nil
}

// Decompress decodes all zstd frames in data.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
