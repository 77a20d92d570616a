package indexer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kura/internal/embedding"
	"github.com/hyperjump/kura/internal/extract"
	"github.com/hyperjump/kura/internal/fileid"
	"github.com/hyperjump/kura/internal/models"
)

var errNotFound = errors.New("not found")

// memTarget is an in-memory Target recording every AddMany call.
type memTarget struct {
	mu    sync.Mutex
	dims  int
	docs  map[string]models.DocumentInput
	calls int
	fail  error
}

func newMemTarget(dims int) *memTarget {
	return &memTarget{dims: dims, docs: make(map[string]models.DocumentInput)}
}

func (m *memTarget) Name() string    { return "test" }
func (m *memTarget) Dimensions() int { return m.dims }

func (m *memTarget) AddMany(_ context.Context, inputs []models.DocumentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.calls++
	for _, in := range inputs {
		m.docs[in.ID] = in
	}
	return nil
}

func (m *memTarget) Get(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.docs[id]
	if !ok {
		return nil, errNotFound
	}
	return &models.Document{ID: in.ID, Content: in.Content, Metadata: in.Metadata}, nil
}

func (m *memTarget) DeleteMany(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.docs[id]; ok {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *memTarget) SourceRecordIDs(_ context.Context, sourceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, in := range m.docs {
		if in.Metadata[MetaSourceID] == sourceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memTarget) DeleteSource(_ context.Context, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, in := range m.docs {
		if in.Metadata[MetaSourceID] == sourceID {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *memTarget) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type failingEmbedder struct {
	*embedding.MockEmbedder
	after int
	calls int
}

var errEmbed = errors.New("provider down")

func (e *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.calls > e.after {
		return nil, errEmbed
	}
	return e.MockEmbedder.EmbedBatch(ctx, texts)
}

func longText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	return b.String()
}

func smallChunks() *Chunker {
	return NewChunker(ChunkOptions{Size: 40, Overlap: 0, MinSize: 1})
}

func TestPipeline_Ingest(t *testing.T) {
	target := newMemTarget(8)
	var progress []Progress
	p := NewPipeline(target, embedding.NewMockEmbedder(8),
		WithChunker(smallChunks()),
		WithBatchSize(3),
		WithProgress(func(pr Progress) { progress = append(progress, pr) }))

	report, err := p.Ingest(context.Background(), []Source{
		{ID: "doc", Text: longText(40), Metadata: map[string]any{"lang": "en"}},
		{ID: "blank", Text: "   "},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources)
	assert.Equal(t, []string{"blank"}, report.Skipped)
	assert.Equal(t, len(target.docs), report.Chunks)
	assert.Equal(t, (report.Chunks+2)/3, report.Batches)
	assert.Equal(t, report.Batches, target.calls, "one atomic write per batch")

	require.Len(t, progress, report.Batches)
	last := progress[len(progress)-1]
	assert.Equal(t, last.Chunks, last.Done)
	assert.Equal(t, last.Batches, last.Batch)

	first := target.docs[fileid.ChunkID("doc", 0)]
	assert.Equal(t, "doc", first.Metadata[MetaSourceID])
	assert.Equal(t, 0, first.Metadata[MetaChunkIndex])
	assert.Equal(t, 0, first.Metadata[MetaStart])
	assert.Equal(t, "en", first.Metadata["lang"])
	assert.Len(t, first.Vector, 8)
}

func TestPipeline_ReingestReplaces(t *testing.T) {
	target := newMemTarget(8)
	p := NewPipeline(target, embedding.NewMockEmbedder(8), WithChunker(smallChunks()))
	ctx := context.Background()

	_, err := p.Ingest(ctx, []Source{{ID: "doc", Text: longText(40)}})
	require.NoError(t, err)
	before := len(target.ids())

	_, err = p.Ingest(ctx, []Source{{ID: "doc", Text: "just a short text now"}})
	require.NoError(t, err)
	assert.Greater(t, before, 1)
	assert.Equal(t, []string{"doc#0"}, target.ids())

	n, err := p.DeleteSource(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, target.ids())
}

func TestPipeline_ReingestFailureKeepsPreviousContent(t *testing.T) {
	target := newMemTarget(8)
	ctx := context.Background()
	p := NewPipeline(target, embedding.NewMockEmbedder(8), WithChunker(smallChunks()), WithBatchSize(2))
	_, err := p.Ingest(ctx, []Source{{ID: "doc", Text: longText(40)}})
	require.NoError(t, err)
	before := target.ids()
	head := target.docs[fileid.ChunkID("doc", 0)].Content

	for _, after := range []int{0, 1} {
		emb := &failingEmbedder{MockEmbedder: embedding.NewMockEmbedder(8), after: after}
		failing := NewPipeline(target, emb, WithChunker(smallChunks()), WithBatchSize(2))
		_, err = failing.Ingest(ctx, []Source{{ID: "doc", Text: "fresh " + longText(20)}})
		require.ErrorIs(t, err, errEmbed)
		assert.Equal(t, before, target.ids(), "failed re-ingest after %d batches must keep every chunk", after)
		assert.Equal(t, head, target.docs[fileid.ChunkID("doc", 0)].Content)
	}
}

func TestPipeline_GeneratesIDs(t *testing.T) {
	target := newMemTarget(4)
	p := NewPipeline(target, embedding.NewMockEmbedder(4))
	_, err := p.Ingest(context.Background(), []Source{{Text: "anonymous text"}})
	require.NoError(t, err)
	ids := target.ids()
	require.Len(t, ids, 1)
	src, idx, ok := fileid.SplitChunkID(ids[0])
	assert.True(t, ok)
	assert.NotEmpty(t, src)
	assert.Zero(t, idx)
}

func TestPipeline_EmbedderErrorKeepsEarlierBatches(t *testing.T) {
	target := newMemTarget(8)
	emb := &failingEmbedder{MockEmbedder: embedding.NewMockEmbedder(8), after: 1}
	p := NewPipeline(target, emb, WithChunker(smallChunks()), WithBatchSize(2))

	report, err := p.Ingest(context.Background(), []Source{{ID: "doc", Text: longText(40)}})
	require.ErrorIs(t, err, errEmbed)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Chunks)
	assert.Len(t, target.ids(), 2, "the first batch stays committed")
}

func TestPipeline_Cancellation(t *testing.T) {
	target := newMemTarget(8)
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(target, embedding.NewMockEmbedder(8),
		WithChunker(smallChunks()),
		WithBatchSize(2),
		WithProgress(func(pr Progress) {
			if pr.Batch == 2 {
				cancel()
			}
		}))

	report, err := p.Ingest(ctx, []Source{{ID: "doc", Text: longText(40)}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Batches)
	assert.Len(t, target.ids(), 4)
}

func TestPipeline_DimensionMismatch(t *testing.T) {
	p := NewPipeline(newMemTarget(16), embedding.NewMockEmbedder(8))
	_, err := p.Ingest(context.Background(), []Source{{ID: "d", Text: "text"}})
	assert.Error(t, err)
}

func TestPipeline_WriteErrorPropagates(t *testing.T) {
	target := newMemTarget(4)
	target.fail = errors.New("disk full")
	p := NewPipeline(target, embedding.NewMockEmbedder(4))
	_, err := p.Ingest(context.Background(), []Source{{ID: "d", Text: "text"}})
	assert.ErrorIs(t, err, target.fail)
}

func TestPipeline_RateLimit(t *testing.T) {
	target := newMemTarget(4)
	p := NewPipeline(target, embedding.NewMockEmbedder(4),
		WithChunker(smallChunks()), WithBatchSize(1), WithRateLimit(50))
	start := time.Now()
	report, err := p.Ingest(context.Background(), []Source{{ID: "d", Text: longText(20)}})
	require.NoError(t, err)
	require.Greater(t, report.Batches, 2)
	// burst of one, then one call every 20ms
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(report.Batches-1)*20*time.Millisecond-5*time.Millisecond)
}

func TestPipeline_IngestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("first version of the notes"), 0o644))

	target := newMemTarget(8)
	p := NewPipeline(target, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	report, err := p.IngestFile(ctx, path, []string{".txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	docID := fileid.FileDocID(path)
	assert.Equal(t, []string{fileid.ChunkID(docID, 0)}, target.ids())

	report, err = p.IngestFile(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{docID}, report.Skipped, "unchanged file is skipped")

	_, err = p.IngestFile(ctx, path, []string{".md"})
	assert.Error(t, err)

	require.NoError(t, p.RemoveFile(ctx, path))
	assert.Empty(t, target.ids())
	assert.ErrorIs(t, p.RemoveFile(ctx, path), ErrNotIngested)
}

func writeDocx(t *testing.T, path, text string) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<w:document><w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestPipeline_IngestFileExtractsDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minutes.docx")
	writeDocx(t, path, "budget approved for the new office")

	target := newMemTarget(8)
	p := NewPipeline(target, embedding.NewMockEmbedder(8), WithExtractor(extract.New()))
	ctx := context.Background()
	_, err := p.IngestFile(ctx, path, []string{".docx"})
	require.NoError(t, err)

	doc, err := target.Get(ctx, fileid.ChunkID(fileid.FileDocID(path), 0))
	require.NoError(t, err)
	assert.Equal(t, "budget approved for the new office", doc.Content)

	broken := filepath.Join(dir, "broken.docx")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))
	_, err = p.IngestFile(ctx, broken, nil)
	assert.Error(t, err)
	_, err = target.Get(ctx, fileid.ChunkID(fileid.FileDocID(broken), 0))
	assert.ErrorIs(t, err, errNotFound)
}

func TestPipeline_IngestDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.md"), []byte("beta"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), []byte("gamma"), 0o644))

	target := newMemTarget(4)
	p := NewPipeline(target, embedding.NewMockEmbedder(4))
	n, err := p.IngestDirectory(context.Background(), dir, []string{".txt", ".md"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, target.ids(), 2)

	_, err = p.IngestDirectory(context.Background(), filepath.Join(dir, "a.txt"), nil)
	assert.Error(t, err)
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".txt", []string{".txt", ".md"}, true},
		{".TXT", []string{".txt"}, true},
		{".md", []string{".txt", ".md"}, true},
		{".go", []string{".txt"}, false},
		{"", []string{".txt"}, false},
		{".rst", []string{"txt", "md", "rst"}, true},
	}
	for _, tt := range tests {
		got := extensionAllowed(tt.ext, tt.allowed)
		if got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}
