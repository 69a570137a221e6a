package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, codec string, data []byte) []byte {
	t.Helper()
	var r io.Reader
	switch codec {
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = gr
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = zr
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer dec.Close()
		r = dec
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestCompressEveryCodecDecodes(t *testing.T) {
	payload := []byte(strings.Repeat("modserve compresses text nicely. ", 200))

	for _, codec := range []string{Brotli, Gzip, Deflate, Zstd} {
		for _, level := range []Level{LevelFast, LevelBalanced, LevelBest} {
			encoded, err := Compress(Choice{Codec: codec, Level: level}, payload)
			require.NoError(t, err, codec)
			require.Less(t, len(encoded), len(payload), codec)
			require.Equal(t, payload, decode(t, codec, encoded), codec)
		}
	}
}

func TestCompressIdentityIsPassthrough(t *testing.T) {
	payload := []byte("plain")
	out, err := Compress(Choice{Codec: Identity}, payload)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestSuffix(t *testing.T) {
	require.Equal(t, ".br", Suffix(Brotli))
	require.Equal(t, ".gz", Suffix(Gzip))
	require.Equal(t, ".zst", Suffix(Zstd))
	require.Equal(t, "", Suffix(Deflate))
}
