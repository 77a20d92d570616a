package vector

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kura/internal/distance"
)

func TestSerialize_RoundTripSearchIdentical(t *testing.T) {
	vecs := randomVectors(300, 12, 21)
	cfg := seeded(17)
	cfg.Metric = distance.Euclidean
	h := buildIndex(t, vecs, cfg)
	for i := 0; i < 20; i++ {
		h.Delete(fmt.Sprintf("v%d", i*3))
	}

	data, err := h.Serialize()
	require.NoError(t, err)

	hdr, err := ReadHeader(data)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, hdr.Version)
	assert.Equal(t, 12, hdr.Dimensions)
	assert.Equal(t, 300, hdr.NodeCount)
	assert.Equal(t, cfg.M, hdr.M)
	assert.Equal(t, 200, hdr.EfConstruction)
	assert.Equal(t, distance.Euclidean, hdr.Metric)

	restored, err := Deserialize(data, 12)
	require.NoError(t, err)
	assert.Equal(t, h.Len(), restored.Len())
	assert.Equal(t, h.MaxLayer(), restored.MaxLayer())
	ep1, _ := h.EntryPoint()
	ep2, _ := restored.EntryPoint()
	assert.Equal(t, ep1, ep2)

	for _, q := range randomVectors(25, 12, 77) {
		for _, ef := range []int{10, 64} {
			a, err := h.Search(q, 10, ef)
			require.NoError(t, err)
			b, err := restored.Search(q, 10, ef)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		}
	}
}

func TestSerialize_Empty(t *testing.T) {
	h, err := New(3, DefaultConfig())
	require.NoError(t, err)
	data, err := h.Serialize()
	require.NoError(t, err)
	restored, err := Deserialize(data, 3)
	require.NoError(t, err)
	assert.Zero(t, restored.Len())
	require.NoError(t, restored.Insert("a", []float32{1, 2, 3}))
	assert.True(t, restored.Has("a"))
}

func TestDeserialize_RejectsDimensionMismatch(t *testing.T) {
	h := buildIndex(t, randomVectors(10, 4, 1), seeded(1))
	data, err := h.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(data, 8)
	var dm *ErrDimensionMismatch
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 8, dm.Expected)
	assert.Equal(t, 4, dm.Actual)
}

func TestDeserialize_RejectsCorruption(t *testing.T) {
	h := buildIndex(t, randomVectors(10, 4, 1), seeded(1))
	data, err := h.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(data[:10], 4)
	assert.ErrorIs(t, err, ErrCorruptIndex)

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'
	_, err = Deserialize(badMagic, 4)
	assert.ErrorIs(t, err, ErrCorruptIndex)

	badVersion := append([]byte(nil), data...)
	badVersion[4] = 9
	_, err = Deserialize(badVersion, 4)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	badCount := append([]byte(nil), data...)
	badCount[10]++
	_, err = Deserialize(badCount, 4)
	assert.ErrorIs(t, err, ErrCorruptIndex)

	truncated := data[:len(data)-5]
	_, err = Deserialize(truncated, 4)
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestFloat32Codec(t *testing.T) {
	v := []float32{1.5, -2, 0, 3.25}
	b := EncodeFloat32s(v)
	assert.Len(t, b, 16)
	got, err := DecodeFloat32s(b, 4)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DecodeFloat32s(b[:15], 4)
	var dm *ErrDimensionMismatch
	assert.True(t, errors.As(err, &dm))
	_, err = DecodeFloat32s(b, 3)
	assert.Error(t, err)
}
