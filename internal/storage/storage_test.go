package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kura/internal/models"
)

type backend struct {
	name string
	new  func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Storage { return NewMemoryStorage() }},
		{"sqlite", func(t *testing.T) Storage {
			return NewSQLiteStorage(filepath.Join(t.TempDir(), "kura.db"))
		}},
		{"badger", func(t *testing.T) Storage { return NewBadgerStorage(t.TempDir()) }},
	}
}

func openStore(t *testing.T, b backend) Storage {
	t.Helper()
	s := b.new(t)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCollection(t *testing.T, s Storage, id, name string, dims int) *models.Collection {
	t.Helper()
	c := &models.Collection{ID: id, Name: name, Dimensions: dims, Metric: "cosine", KeywordIndex: true}
	require.NoError(t, s.PutCollection(context.Background(), c))
	return c
}

func entry(coll, id, content string, vec []float32) models.Entry {
	e := models.Entry{Document: &models.Document{
		ID: id, CollectionID: coll, Content: content,
		Metadata: map[string]interface{}{"tag": "t-" + id},
	}}
	if vec != nil {
		e.Vector = &models.VectorRecord{ID: id, CollectionID: coll, Vector: vec}
	}
	return e
}

func TestStorageContract(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Run("Collections", func(t *testing.T) { testCollections(t, openStore(t, b)) })
			t.Run("Documents", func(t *testing.T) { testDocuments(t, openStore(t, b)) })
			t.Run("Vectors", func(t *testing.T) { testVectors(t, openStore(t, b)) })
			t.Run("IndexBlobs", func(t *testing.T) { testIndexBlobs(t, openStore(t, b)) })
			t.Run("AddManyAtomic", func(t *testing.T) { testAddManyAtomic(t, openStore(t, b)) })
			t.Run("DeleteMany", func(t *testing.T) { testDeleteMany(t, openStore(t, b)) })
			t.Run("Clear", func(t *testing.T) { testClear(t, openStore(t, b)) })
			t.Run("Closed", func(t *testing.T) { testClosed(t, b) })
			t.Run("Cancelled", func(t *testing.T) { testCancelled(t, openStore(t, b)) })
		})
	}
}

func testCollections(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "alpha", 3)
	testCollection(t, s, "c2", "beta", 4)

	got, err := s.GetCollection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, 3, got.Dimensions)
	assert.True(t, got.KeywordIndex)
	assert.False(t, got.CreatedAt.IsZero())

	byName, err := s.GetCollectionByName(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "c2", byName.ID)

	err = s.PutCollection(ctx, &models.Collection{ID: "c3", Name: "alpha", Dimensions: 2})
	assert.ErrorIs(t, err, ErrCollectionExists)

	list, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)

	require.NoError(t, s.AddMany(ctx, []models.Entry{entry("c1", "d1", "x", []float32{1, 2, 3})}))
	require.NoError(t, s.DeleteCollection(ctx, "c1"))
	_, err = s.GetCollection(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDocument(ctx, "c1", "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteCollection(ctx, "c1"), ErrNotFound)

	// the name is free again
	testCollection(t, s, "c4", "alpha", 2)
}

func testDocuments(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "docs", 2)

	doc := &models.Document{ID: "d1", CollectionID: "c1", Content: "hello", Metadata: map[string]interface{}{"lang": "en"}}
	require.NoError(t, s.AddDocument(ctx, doc))
	created := doc.CreatedAt
	require.False(t, created.IsZero())

	got, err := s.GetDocument(ctx, "c1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "en", got.Metadata["lang"])

	time.Sleep(5 * time.Millisecond)
	update := &models.Document{ID: "d1", CollectionID: "c1", Content: "hello again"}
	require.NoError(t, s.AddDocument(ctx, update))
	got, err = s.GetDocument(ctx, "c1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "hello again", got.Content)
	assert.True(t, got.CreatedAt.Equal(created), "created_at must survive an update")
	assert.True(t, got.UpdatedAt.After(created))

	require.NoError(t, s.AddDocument(ctx, &models.Document{ID: "d0", CollectionID: "c1", Content: "zero"}))
	all, err := s.GetAllDocuments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d0", all[0].ID)

	err = s.AddDocument(ctx, &models.Document{ID: "x", CollectionID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.AddDocument(ctx, &models.Document{CollectionID: "c1"})
	assert.ErrorIs(t, err, ErrInvalidID)

	require.NoError(t, s.DeleteDocument(ctx, "c1", "d1"))
	_, err = s.GetDocument(ctx, "c1", "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "c1", "d1"), ErrNotFound)
}

func testVectors(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "vecs", 3)

	rec := &models.VectorRecord{ID: "v1", CollectionID: "c1", Vector: []float32{0.5, -1, 3.25}}
	require.NoError(t, s.AddVector(ctx, rec))
	got, err := s.GetVector(ctx, "c1", "v1")
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)

	err = s.AddVector(ctx, &models.VectorRecord{ID: "v2", CollectionID: "c1", Vector: []float32{1}})
	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr), "got %v", err)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 1, dimErr.Actual)
	assert.False(t, IsRetryable(err))

	// deleting the document leaves the vector in place
	require.NoError(t, s.AddDocument(ctx, &models.Document{ID: "v1", CollectionID: "c1", Content: "doc"}))
	require.NoError(t, s.DeleteDocument(ctx, "c1", "v1"))
	_, err = s.GetVector(ctx, "c1", "v1")
	require.NoError(t, err)

	all, err := s.GetAllVectors(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "v1", all[0].ID)

	require.NoError(t, s.DeleteVector(ctx, "c1", "v1"))
	_, err = s.GetVector(ctx, "c1", "v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testIndexBlobs(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "idx", 2)

	_, err := s.LoadIndex(ctx, "c1", IndexHNSW)
	assert.ErrorIs(t, err, ErrNotFound)

	blob := []byte{0x4b, 0x48, 0x4e, 0x53, 0, 1, 2}
	require.NoError(t, s.SaveIndex(ctx, "c1", IndexHNSW, blob))
	require.NoError(t, s.SaveIndex(ctx, "c1", IndexBM25, []byte(`{"version":1}`)))
	got, err := s.LoadIndex(ctx, "c1", IndexHNSW)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(blob, got))

	require.NoError(t, s.SaveIndex(ctx, "c1", IndexHNSW, []byte("v2")))
	got, err = s.LoadIndex(ctx, "c1", IndexHNSW)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, s.DeleteIndex(ctx, "c1", IndexHNSW))
	_, err = s.LoadIndex(ctx, "c1", IndexHNSW)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadIndex(ctx, "c1", IndexBM25)
	assert.NoError(t, err)
}

func testAddManyAtomic(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "batch", 2)

	good := []models.Entry{
		entry("c1", "a", "alpha", []float32{1, 0}),
		entry("c1", "b", "beta", []float32{0, 1}),
	}
	require.NoError(t, s.AddMany(ctx, good))

	bad := []models.Entry{
		entry("c1", "c", "gamma", []float32{1, 1}),
		entry("c1", "d", "delta", []float32{1, 1, 1}),
	}
	err := s.AddMany(ctx, bad)
	require.Error(t, err)
	var dimErr *DimensionError
	assert.True(t, errors.As(err, &dimErr))

	_, err = s.GetDocument(ctx, "c1", "c")
	assert.ErrorIs(t, err, ErrNotFound, "a failed batch must not write any entry")
	_, err = s.GetVector(ctx, "c1", "c")
	assert.ErrorIs(t, err, ErrNotFound)

	docs, err := s.GetAllDocuments(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	dup := []models.Entry{entry("c1", "e", "x", nil), entry("c1", "e", "y", nil)}
	assert.ErrorIs(t, s.AddMany(ctx, dup), ErrInvalidID)
}

func testDeleteMany(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "del", 2)
	require.NoError(t, s.AddMany(ctx, []models.Entry{
		entry("c1", "a", "alpha", []float32{1, 0}),
		entry("c1", "b", "beta", []float32{0, 1}),
		entry("c1", "c", "gamma", []float32{1, 1}),
	}))

	require.NoError(t, s.DeleteMany(ctx, "c1", []string{"a", "c", "missing"}))
	docs, err := s.GetAllDocuments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].ID)
	vecs, err := s.GetAllVectors(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, "b", vecs[0].ID)
}

func testClear(t *testing.T, s Storage) {
	ctx := context.Background()
	testCollection(t, s, "c1", "one", 2)
	testCollection(t, s, "c2", "two", 2)
	require.NoError(t, s.AddMany(ctx, []models.Entry{
		entry("c1", "a", "alpha", []float32{1, 0}),
		entry("c2", "b", "beta", []float32{0, 1}),
	}))
	require.NoError(t, s.SaveIndex(ctx, "c1", IndexHNSW, []byte("blob")))

	require.NoError(t, s.ClearCollection(ctx, "c1"))
	_, err := s.GetCollection(ctx, "c1")
	require.NoError(t, err, "clearing keeps the collection")
	docs, err := s.GetAllDocuments(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, err = s.LoadIndex(ctx, "c1", IndexHNSW)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDocument(ctx, "c2", "b")
	require.NoError(t, err)

	size, err := s.EstimateSize(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(0))

	require.NoError(t, s.Clear(ctx))
	list, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testClosed(t *testing.T, b backend) {
	ctx := context.Background()
	s := b.new(t)
	_, err := s.GetCollection(ctx, "c1")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.AddDocument(ctx, &models.Document{ID: "a", CollectionID: "c"}), ErrClosed)
	assert.False(t, IsRetryable(ErrClosed))
}

func testCancelled(t *testing.T, s Storage) {
	testCollection(t, s, "c1", "cancel", 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.AddMany(ctx, []models.Entry{entry("c1", "a", "alpha", []float32{1, 0})})
	require.Error(t, err)

	_, err = s.GetDocument(context.Background(), "c1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptVector(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	testCollection(t, s, "c1", "corrupt", 4)
	s.vectors["c1"] = map[string][]byte{"bad": {1, 2, 3}}

	_, err := s.GetVector(ctx, "c1", "bad")
	assert.ErrorIs(t, err, ErrCorruptVector)
	_, err = s.GetAllVectors(ctx, "c1")
	assert.ErrorIs(t, err, ErrCorruptVector)
}

type xorSealer struct{ key byte }

func (x xorSealer) Seal(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ x.key
	}
	return out, nil
}

func (x xorSealer) Open(c []byte) ([]byte, error) { return x.Seal(c) }

func TestSealedStorage(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStorage()
	require.NoError(t, inner.Open(ctx))
	s := NewSealed(inner, xorSealer{key: 0x5a})

	require.NoError(t, s.PutCollection(ctx, &models.Collection{ID: "enc", Name: "enc", Dimensions: 2, Encrypted: true}))
	require.NoError(t, s.PutCollection(ctx, &models.Collection{ID: "plain", Name: "plain", Dimensions: 2}))

	blob := []byte("index bytes")
	require.NoError(t, s.SaveIndex(ctx, "enc", IndexHNSW, blob))
	require.NoError(t, s.SaveIndex(ctx, "plain", IndexHNSW, blob))

	raw, err := inner.LoadIndex(ctx, "enc", IndexHNSW)
	require.NoError(t, err)
	assert.NotEqual(t, blob, raw)
	raw, err = inner.LoadIndex(ctx, "plain", IndexHNSW)
	require.NoError(t, err)
	assert.Equal(t, blob, raw)

	got, err := s.LoadIndex(ctx, "enc", IndexHNSW)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(wrap(OpAddMany, errors.New("disk full"))))
	assert.False(t, IsRetryable(wrap(OpGetDocument, notFound("document", "x"))))
	assert.False(t, IsRetryable(nil))
}
