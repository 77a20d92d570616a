package embedding

import (
	"context"
	"sync"
	"testing"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c := NewEmbeddingCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Set("c", []float32{6}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestEmbeddingCache_ConcurrentGet(t *testing.T) {
	c := NewEmbeddingCache(8)
	for _, k := range []string{"a", "b", "c", "d"} {
		c.Set(k, []float32{1})
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Get([]string{"a", "b", "c", "d"}[(i+j)%4])
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 4 {
		t.Errorf("Len() = %d, want 4", c.Len())
	}
}

type countingEmbedder struct {
	*MockEmbedder
	batches int
	texts   int
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches++
	e.texts += len(texts)
	return e.MockEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{MockEmbedder: NewMockEmbedder(8)}
	e := NewCachedEmbedder(inner, 16)

	first, err := e.EmbedBatch(ctx, []string{"x", "y"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.EmbedBatch(ctx, []string{"y", "z", "x"})
	if err != nil {
		t.Fatal(err)
	}
	if inner.texts != 3 {
		t.Errorf("inner embedded %d texts, want 3", inner.texts)
	}
	if second[0][0] != first[1][0] || second[2][0] != first[0][0] {
		t.Error("cached vectors should be returned in input order")
	}
	if _, err := e.EmbedBatch(ctx, []string{"x", "z"}); err != nil {
		t.Fatal(err)
	}
	if inner.batches != 2 {
		t.Errorf("fully cached batch should not reach the inner embedder, batches=%d", inner.batches)
	}
	if e.Dimensions() != 8 {
		t.Errorf("Dimensions() = %d", e.Dimensions())
	}
}
