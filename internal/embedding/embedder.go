// Package embedding provides the text embedder contract, a deterministic
// embedder for tests and local use, and an LRU-cached wrapper.
package embedding

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings for text. Implementations wrap a
// model provider; the engine only depends on this interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// CheckBatch verifies that an embedder returned one vector of the expected
// dimension per input.
func CheckBatch(vecs [][]float32, n, dims int) error {
	if len(vecs) != n {
		return fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), n)
	}
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), dims)
		}
	}
	return nil
}
