package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("hnsw graph layer "), 500)
	random := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(random)

	for _, c := range []Compression{None, LZ4, Zstd} {
		for name, data := range map[string][]byte{"compressible": compressible, "random": random, "empty": {}} {
			frame, err := Compress(c, data)
			require.NoError(t, err, "%s/%s", c, name)
			out, err := Decompress(frame)
			require.NoError(t, err, "%s/%s", c, name)
			assert.Equal(t, len(data), len(out), "%s/%s", c, name)
			assert.True(t, bytes.Equal(data, out), "%s/%s", c, name)
		}
	}

	frame, err := Compress(Zstd, compressible)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(compressible)/4)
}

func TestDecompressRejectsCorruptFrames(t *testing.T) {
	_, err := Decompress([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptFrame)

	frame, err := Compress(LZ4, bytes.Repeat([]byte("abc"), 100))
	require.NoError(t, err)
	_, err = Decompress(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrCorruptFrame)

	bad := append([]byte(nil), frame...)
	bad[0] = 7
	_, err = Decompress(bad)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": None, "none": None, "LZ4": LZ4, "zstd": Zstd} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
