package embedding

import (
	"context"
	"testing"

	"github.com/hyperjump/kura/internal/distance"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	a, _ := e.Embed(context.Background(), "hello world")
	b, _ := e.Embed(context.Background(), "hello world")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text must embed identically")
		}
	}
	if n := distance.Norm(a); n < 0.999 || n > 1.001 {
		t.Errorf("embedding should be unit length, got %f", n)
	}
}

func TestMockEmbedder_SharedWordsAreCloser(t *testing.T) {
	e := NewMockEmbedder(64)
	ctx := context.Background()
	base, _ := e.Embed(ctx, "the quick brown fox")
	near, _ := e.Embed(ctx, "quick brown fox jumps")
	far, _ := e.Embed(ctx, "database transaction log")
	if distance.CosineSimilarity(base, near) <= distance.CosineSimilarity(base, far) {
		t.Error("texts sharing words should be more similar")
	}
}

func TestCheckBatch(t *testing.T) {
	if err := CheckBatch([][]float32{{1, 2}}, 1, 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckBatch([][]float32{{1, 2}}, 2, 2); err == nil {
		t.Error("count mismatch should fail")
	}
	if err := CheckBatch([][]float32{{1}}, 1, 2); err == nil {
		t.Error("dimension mismatch should fail")
	}
}
