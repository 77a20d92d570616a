package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0, CosineDistance(a, a), 1e-6)
	assert.InDelta(t, 1, CosineDistance(a, b), 1e-6)
	assert.InDelta(t, 2, CosineDistance(a, []float32{-1, 0}), 1e-6)
	assert.InDelta(t, 1, CosineDistance(a, []float32{0, 0}), 1e-6)
}

func TestEuclideanDistance(t *testing.T) {
	assert.InDelta(t, 5, EuclideanDistance([]float32{0, 0}, []float32{3, 4}), 1e-6)
	assert.InDelta(t, 25, SquaredEuclidean([]float32{0, 0}, []float32{3, 4}), 1e-6)
}

func TestNegativeDotOrdersLargerProductFirst(t *testing.T) {
	q := []float32{1, 1}
	near := []float32{2, 2}
	far := []float32{0.1, 0.1}
	assert.Less(t, NegativeDot(q, near), NegativeDot(q, far))
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	assert.InDelta(t, 1, Norm(v), 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)

	orig := []float32{0, 2}
	out := Normalized(orig)
	assert.Equal(t, []float32{0, 2}, orig)
	assert.InDelta(t, 1, out[1], 1e-6)
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in   string
		want Metric
	}{
		{"", Cosine},
		{"cosine", Cosine},
		{"L2", Euclidean},
		{"euclidean", Euclidean},
		{"dot", Dot},
		{"inner_product", Dot},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseMetric("manhattan")
	assert.Error(t, err)
}

func TestForMetric(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-1, 0, 4}
	for _, m := range []Metric{Cosine, Euclidean, Dot} {
		fn, err := ForMetric(m)
		require.NoError(t, err)
		same := []float32{2, 4, 6}
		if m == Euclidean {
			same = a
		}
		assert.Less(t, fn(a, same), fn(a, b), m.String())
	}
	_, err := ForMetric(Metric(42))
	assert.Error(t, err)
	assert.False(t, Metric(42).Valid())
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 0.75, Similarity(Cosine, 0.25), 1e-9)
	assert.InDelta(t, 0.5, Similarity(Euclidean, 1), 1e-9)
	assert.InDelta(t, 3, Similarity(Dot, -3), 1e-9)
}
