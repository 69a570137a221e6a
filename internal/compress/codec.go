package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// NewWriter wraps w with the encoder for choice. The caller must Close it.
func NewWriter(choice Choice, w io.Writer) (io.WriteCloser, error) {
	switch choice.Codec {
	case Brotli:
		return brotli.NewWriterLevel(w, brotliLevel(choice.Level)), nil
	case Gzip:
		return gzip.NewWriterLevel(w, flateLevel(choice.Level))
	case Deflate:
		// HTTP "deflate" is the zlib format.
		return zlib.NewWriterLevel(w, flateLevel(choice.Level))
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(choice.Level)))
	case "", Identity:
		return nopCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", choice.Codec)
	}
}

// Compress encodes payload in one shot. zstd reuses a shared encoder per level.
func Compress(choice Choice, payload []byte) ([]byte, error) {
	if choice.IsIdentity() {
		return payload, nil
	}
	if choice.Codec == Zstd {
		enc, err := sharedZstd(choice.Level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) / 2)
	w, err := NewWriter(choice, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func brotliLevel(l Level) int {
	switch l {
	case LevelFast:
		return brotli.BestSpeed
	case LevelBest:
		return brotli.BestCompression
	default:
		return brotli.DefaultCompression
	}
}

func flateLevel(l Level) int {
	switch l {
	case LevelFast:
		return gzip.BestSpeed
	case LevelBest:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func zstdLevel(l Level) zstd.EncoderLevel {
	switch l {
	case LevelFast:
		return zstd.SpeedFastest
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

var (
	zstdMu       sync.Mutex
	zstdEncoders = map[Level]*zstd.Encoder{}
)

func sharedZstd(l Level) (*zstd.Encoder, error) {
	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, ok := zstdEncoders[l]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(l)))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zstdEncoders[l] = enc
	return enc, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Suffix returns the file suffix of a precompressed sibling for codec.
func Suffix(codec string) string {
	switch codec {
	case Brotli:
		return ".br"
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}
