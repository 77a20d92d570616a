// Package distance provides the vector distance functions used by the HNSW index
// and the hybrid scorer. Every Func returned by ForMetric is "lower = closer".
package distance

import (
	"fmt"
	"math"
	"strings"
)

// Metric identifies a distance function.
type Metric uint8

const (
	// Cosine is 1 - cosine similarity.
	Cosine Metric = iota
	// Euclidean is the L2 distance.
	Euclidean
	// Dot is the negated inner product.
	Dot
)

// Func computes the distance between two vectors of equal length.
type Func func(a, b []float32) float32

// String returns the config name of the metric.
func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m <= Dot
}

// ParseMetric parses a metric name. The empty string selects Cosine.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	case "dot", "dotproduct", "dot_product", "inner_product":
		return Dot, nil
	default:
		return 0, fmt.Errorf("unknown distance metric: %q (supported: cosine, euclidean, dot)", s)
	}
}

// ForMetric returns the distance function for m.
func ForMetric(m Metric) (Func, error) {
	switch m {
	case Cosine:
		return CosineDistance, nil
	case Euclidean:
		return EuclideanDistance, nil
	case Dot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unknown distance metric: %d", m)
	}
}

// Similarity converts a distance produced by the metric's Func back into a
// higher-is-better score.
func Similarity(m Metric, dist float64) float64 {
	switch m {
	case Euclidean:
		return 1 / (1 + dist)
	case Dot:
		return -dist
	default:
		return 1 - dist
	}
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// NegativeDot returns -dot(a, b) so that larger inner products sort first.
func NegativeDot(a, b []float32) float32 {
	return -DotProduct(a, b)
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(DotProduct(v, v))))
}

// CosineSimilarity returns the cosine of the angle between a and b.
// A zero vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// SquaredEuclidean returns the squared L2 distance.
func SquaredEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// EuclideanDistance returns the L2 distance.
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredEuclidean(a, b))))
}

// Normalize scales v in place to unit L2 norm. A zero vector is left unchanged.
func Normalize(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
}

// Normalized returns a unit-length copy of v.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	Normalize(out)
	return out
}
