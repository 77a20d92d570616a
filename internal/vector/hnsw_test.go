package vector

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kura/internal/distance"
)

func randomVectors(n, dims int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func buildIndex(t *testing.T, vecs [][]float32, cfg Config) *HNSW {
	t.Helper()
	h, err := New(len(vecs[0]), cfg)
	require.NoError(t, err)
	for i, v := range vecs {
		require.NoError(t, h.Insert(fmt.Sprintf("v%d", i), v))
	}
	return h
}

func bruteForce(vecs [][]float32, q []float32, k int, fn distance.Func) []string {
	type scored struct {
		id string
		d  float32
	}
	all := make([]scored, len(vecs))
	for i, v := range vecs {
		all[i] = scored{fmt.Sprintf("v%d", i), fn(q, v)}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].d < all[j].d })
	out := make([]string, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		out = append(out, all[i].id)
	}
	return out
}

func seeded(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	return cfg
}

func TestHNSW_SelfMatch(t *testing.T) {
	vecs := randomVectors(300, 16, 1)
	for _, m := range []distance.Metric{distance.Cosine, distance.Euclidean} {
		cfg := seeded(7)
		cfg.Metric = m
		h := buildIndex(t, vecs, cfg)
		for i, v := range vecs {
			res, err := h.Search(v, 1, 0)
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, fmt.Sprintf("v%d", i), res[0].ID, m.String())
			assert.InDelta(t, 0, res[0].Distance, 1e-5)
		}
	}
}

func TestHNSW_MonotoneResults(t *testing.T) {
	vecs := randomVectors(200, 8, 2)
	h := buildIndex(t, vecs, seeded(3))
	q := randomVectors(1, 8, 99)[0]
	for _, k := range []int{1, 5, 50, 200} {
		res, err := h.Search(q, k, 0)
		require.NoError(t, err)
		require.Len(t, res, k)
		for i := 1; i < len(res); i++ {
			assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
		}
	}
}

func TestHNSW_Recall(t *testing.T) {
	if testing.Short() {
		t.Skip("recall benchmark")
	}
	const (
		n    = 1000
		dims = 128
		k    = 10
	)
	vecs := randomVectors(n, dims, 42)
	cfg := seeded(11)
	cfg.M = 16
	cfg.EfConstruction = 200
	h := buildIndex(t, vecs, cfg)

	queries := randomVectors(50, dims, 4242)
	hits := 0
	for _, q := range queries {
		want := bruteForce(vecs, q, k, distance.CosineDistance)
		res, err := h.Search(q, k, 0)
		require.NoError(t, err)
		got := make(map[string]bool, len(res))
		for _, r := range res {
			got[r.ID] = true
		}
		for _, id := range want {
			if got[id] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(len(queries)*k)
	assert.Greater(t, recall, 0.9, "recall %.3f", recall)
}

func TestHNSW_EmptyAndValidation(t *testing.T) {
	h, err := New(4, DefaultConfig())
	require.NoError(t, err)

	res, err := h.Search([]float32{1, 2, 3, 4}, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, res)

	err = h.Insert("a", []float32{1, 2})
	var dm *ErrDimensionMismatch
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = h.Search([]float32{1}, 1, 0)
	assert.True(t, errors.As(err, &dm))

	_, err = h.Search([]float32{1, 2, 3, 4}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	assert.ErrorIs(t, h.Insert("", []float32{1, 2, 3, 4}), ErrEmptyID)

	_, err = New(0, DefaultConfig())
	var invalid *ErrInvalidDimension
	assert.True(t, errors.As(err, &invalid))
}

func TestHNSW_ReinsertReplaces(t *testing.T) {
	h, err := New(2, seeded(1))
	require.NoError(t, err)
	require.NoError(t, h.Insert("a", []float32{1, 0}))
	require.NoError(t, h.Insert("b", []float32{0, 1}))
	require.NoError(t, h.Insert("a", []float32{-1, 0}))

	assert.Equal(t, 2, h.Len())
	v, ok := h.Vector("a")
	require.True(t, ok)
	assert.Equal(t, []float32{-1, 0}, v)

	res, err := h.Search([]float32{-1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", res[0].ID)
}

func TestHNSW_DeleteTombstones(t *testing.T) {
	vecs := randomVectors(100, 8, 5)
	h := buildIndex(t, vecs, seeded(9))

	for i := 0; i < 10; i++ {
		assert.True(t, h.Delete(fmt.Sprintf("v%d", i)))
	}
	assert.False(t, h.Delete("v0"))
	assert.Equal(t, 90, h.Len())
	assert.InDelta(t, 0.1, h.DeletedFraction(), 1e-9)
	assert.False(t, h.NeedsRebuild())

	for i := 0; i < 10; i++ {
		res, err := h.Search(vecs[i], 5, 0)
		require.NoError(t, err)
		for _, r := range res {
			assert.NotEqual(t, fmt.Sprintf("v%d", i), r.ID)
		}
	}
	for i := 10; i < 100; i++ {
		res, err := h.Search(vecs[i], 1, 0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), res[0].ID)
	}
}

func TestHNSW_DeleteEntryPointReselects(t *testing.T) {
	vecs := randomVectors(50, 4, 6)
	h := buildIndex(t, vecs, seeded(2))

	for h.Len() > 1 {
		ep, ok := h.EntryPoint()
		require.True(t, ok)
		require.True(t, h.Delete(ep))
		next, ok := h.EntryPoint()
		require.True(t, ok)
		assert.True(t, h.Has(next))
		res, err := h.Search(vecs[0], 1, 0)
		require.NoError(t, err)
		require.Len(t, res, 1)
	}

	last := h.IDs()[0]
	require.True(t, h.Delete(last))
	_, ok := h.EntryPoint()
	assert.False(t, ok)
	assert.Zero(t, h.DeletedFraction())
	res, err := h.Search(vecs[0], 1, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestHNSW_RebuildAfterThreshold(t *testing.T) {
	vecs := randomVectors(100, 8, 8)
	cfg := seeded(4)
	cfg.RebuildThreshold = 0.2
	h := buildIndex(t, vecs, cfg)
	for i := 0; i < 30; i++ {
		h.Delete(fmt.Sprintf("v%d", i))
	}
	assert.True(t, h.NeedsRebuild())
	require.NoError(t, h.Rebuild())
	assert.Zero(t, h.DeletedFraction())
	assert.Equal(t, 70, h.Len())
	assert.Equal(t, "v30", h.IDs()[0])

	res, err := h.Search(vecs[50], 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "v50", res[0].ID)
}

func TestHNSW_AutoRebuild(t *testing.T) {
	vecs := randomVectors(50, 4, 12)
	cfg := seeded(4)
	cfg.AutoRebuild = true
	cfg.RebuildThreshold = 0.1
	h := buildIndex(t, vecs, cfg)
	for i := 0; i < 6; i++ {
		h.Delete(fmt.Sprintf("v%d", i))
	}
	assert.LessOrEqual(t, h.DeletedFraction(), 0.1)
	assert.Equal(t, 44, h.Len())
}

func TestHNSW_SearchFunc(t *testing.T) {
	vecs := randomVectors(200, 8, 13)
	h := buildIndex(t, vecs, seeded(5))
	even := func(id string) bool {
		var n int
		_, _ = fmt.Sscanf(id, "v%d", &n)
		return n%2 == 0
	}
	res, err := h.SearchFunc(vecs[1], 10, 10, even)
	require.NoError(t, err)
	require.Len(t, res, 10)
	for _, r := range res {
		assert.True(t, even(r.ID), r.ID)
	}

	none, err := h.SearchFunc(vecs[1], 5, 0, func(string) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHNSW_DegreeBounds(t *testing.T) {
	vecs := randomVectors(400, 8, 14)
	cfg := seeded(6)
	cfg.M = 4
	h := buildIndex(t, vecs, cfg)
	for _, n := range h.nodes {
		for l, nbs := range n.neighbors {
			limit := cfg.M
			if l == 0 {
				limit = 2 * cfg.M
			}
			assert.LessOrEqual(t, len(nbs), limit)
			for _, nb := range nbs {
				assert.GreaterOrEqual(t, h.nodes[nb].level, l)
			}
		}
	}
	ep, _ := h.EntryPoint()
	top := h.nodes[h.ids[ep]].level
	for _, n := range h.nodes {
		assert.LessOrEqual(t, n.level, top)
	}
	assert.Equal(t, top, h.MaxLayer())
}

func TestHNSW_DotProductMetric(t *testing.T) {
	cfg := seeded(1)
	cfg.Metric = distance.Dot
	h, err := New(2, cfg)
	require.NoError(t, err)
	require.NoError(t, h.Insert("small", []float32{0.1, 0.1}))
	require.NoError(t, h.Insert("large", []float32{5, 5}))
	require.NoError(t, h.Insert("opposite", []float32{-5, -5}))

	res, err := h.Search([]float32{1, 1}, 3, 0)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"large", "small", "opposite"}, []string{res[0].ID, res[1].ID, res[2].ID})
}
