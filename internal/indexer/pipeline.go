package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kura/internal/embedding"
	"github.com/hyperjump/kura/internal/fileid"
	"github.com/hyperjump/kura/internal/metrics"
	"github.com/hyperjump/kura/internal/models"
)

// Metadata keys written on every chunk.
const (
	MetaSourceID   = "source_id"
	MetaChunkIndex = "chunk_index"
	MetaStart      = "start"
	MetaEnd        = "end"
	// MetaSourcePath is set on chunks of ingested files.
	MetaSourcePath = "source_path"

	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// DefaultBatchSize is the number of chunks embedded and written together.
const DefaultBatchSize = 32

// Target is where the pipeline writes chunks, typically a database collection.
type Target interface {
	Name() string
	Dimensions() int
	AddMany(ctx context.Context, inputs []models.DocumentInput) error
	Get(ctx context.Context, id string) (*models.Document, error)
	DeleteMany(ctx context.Context, ids []string) (int, error)
	// SourceRecordIDs lists the chunks whose source_id is sourceID.
	SourceRecordIDs(ctx context.Context, sourceID string) ([]string, error)
	// DeleteSource removes every chunk whose source_id is sourceID.
	DeleteSource(ctx context.Context, sourceID string) (int, error)
}

// Source is one text to ingest.
type Source struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Progress is reported after every committed batch.
type Progress struct {
	Batch   int
	Batches int
	Chunks  int
	Done    int
}

// Report summarizes an ingest run. On error it describes what was committed.
type Report struct {
	Sources int           `json:"sources"`
	Chunks  int           `json:"chunks"`
	Batches int           `json:"batches"`
	Skipped []string      `json:"skipped,omitempty"`
	Took    time.Duration `json:"took"`
}

// TextExtractor turns file content into text according to its extension.
type TextExtractor interface {
	ExtractBytes(content []byte, ext string) (string, error)
}

// Pipeline chunks, embeds and writes sources in batches.
type Pipeline struct {
	target    Target
	embedder  embedding.Embedder
	extractor TextExtractor
	chunker   *Chunker
	batchSize int
	limiter   *rate.Limiter
	progress  func(Progress)
	logger    *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets a logger for debug output (file ingested, source replaced, etc.).
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithChunker replaces the default chunker.
func WithChunker(c *Chunker) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.chunker = c
		}
	}
}

// WithExtractor sets how IngestFile reads documents. Without one, files are
// read as text.
func WithExtractor(e TextExtractor) PipelineOption {
	return func(p *Pipeline) { p.extractor = e }
}

// WithBatchSize sets how many chunks go into one embed call and one write.
func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithRateLimit caps embedder calls per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64) PipelineOption {
	return func(p *Pipeline) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithProgress registers a callback invoked after each committed batch.
func WithProgress(fn func(Progress)) PipelineOption {
	return func(p *Pipeline) { p.progress = fn }
}

// NewPipeline creates a pipeline writing to target.
func NewPipeline(target Target, embedder embedding.Embedder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		target:    target,
		embedder:  embedder,
		chunker:   NewChunker(DefaultChunkOptions()),
		batchSize: DefaultBatchSize,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest chunks every source and writes the chunks in batches. Each batch is
// committed atomically. Cancellation is checked before each batch and again
// before its write; batches already committed stay committed and the partial
// report is returned with the error.
//
// Re-ingesting a source overwrites its chunks in place. Chunk 0 of every
// source is written after the rest of that source, and chunks left over from
// a longer previous version are deleted just before the first chunk 0 is
// written. A failed run leaves earlier content in place and chunk 0, which
// carries the file's mtime and size, at its previous version.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source) (Report, error) {
	start := time.Now()
	var report Report
	if p.embedder.Dimensions() != p.target.Dimensions() {
		return report, fmt.Errorf("embedder dimensions %d do not match collection %q dimensions %d",
			p.embedder.Dimensions(), p.target.Name(), p.target.Dimensions())
	}

	var bodies, heads []models.DocumentInput
	var stale []string
	for _, src := range sources {
		if src.ID == "" {
			src.ID = uuid.NewString()
		}
		chunks := p.chunker.Chunk(src.Text)
		if len(chunks) == 0 {
			p.logger.Debug("Skipping empty source", zap.String("source_id", src.ID))
			report.Skipped = append(report.Skipped, src.ID)
			continue
		}
		old, err := p.target.SourceRecordIDs(ctx, src.ID)
		if err != nil {
			return report, fmt.Errorf("list chunks of %s: %w", src.ID, err)
		}
		fresh := make(map[string]struct{}, len(chunks))
		for _, ch := range chunks {
			in := chunkInput(src, ch)
			fresh[in.ID] = struct{}{}
			if ch.Index == 0 {
				heads = append(heads, in)
			} else {
				bodies = append(bodies, in)
			}
		}
		for _, id := range old {
			if _, ok := fresh[id]; !ok {
				stale = append(stale, id)
			}
		}
		report.Sources++
	}
	pending := append(bodies, heads...)
	firstHead := len(bodies)

	batches := (len(pending) + p.batchSize - 1) / p.batchSize
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			report.Took = time.Since(start)
			return report, fmt.Errorf("ingest cancelled before batch %d: %w", b+1, err)
		}
		end := min((b+1)*p.batchSize, len(pending))
		var prune func(context.Context) error
		if len(stale) > 0 && end > firstHead {
			prune = func(ctx context.Context) error {
				n, err := p.target.DeleteMany(ctx, stale)
				if err != nil {
					return fmt.Errorf("remove stale chunks: %w", err)
				}
				p.logger.Debug("Removed stale chunks", zap.Int("chunks", n))
				stale = nil
				return nil
			}
		}
		batch := pending[b*p.batchSize : end]
		if err := p.writeBatch(ctx, batch, prune); err != nil {
			report.Took = time.Since(start)
			return report, fmt.Errorf("batch %d/%d: %w", b+1, batches, err)
		}
		report.Batches++
		report.Chunks += len(batch)
		metrics.IngestChunksTotal.WithLabelValues(p.target.Name()).Add(float64(len(batch)))
		p.logger.Debug("Ingest batch committed",
			zap.String("collection", p.target.Name()),
			zap.Int("batch", b+1), zap.Int("batches", batches), zap.Int("chunks", len(batch)))
		if p.progress != nil {
			p.progress(Progress{Batch: b + 1, Batches: batches, Chunks: len(pending), Done: report.Chunks})
		}
	}
	report.Took = time.Since(start)
	return report, nil
}

// writeBatch embeds batch and writes it. beforeWrite, when set, runs between
// the two.
func (p *Pipeline) writeBatch(ctx context.Context, batch []models.DocumentInput, beforeWrite func(context.Context) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	texts := make([]string, len(batch))
	for i, in := range batch {
		texts[i] = in.Content
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := embedding.CheckBatch(vecs, len(batch), p.target.Dimensions()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range batch {
		batch[i].Vector = vecs[i]
	}
	if beforeWrite != nil {
		if err := beforeWrite(ctx); err != nil {
			return err
		}
	}
	return p.target.AddMany(ctx, batch)
}

func chunkInput(src Source, ch Chunk) models.DocumentInput {
	md := make(map[string]any, len(src.Metadata)+4)
	for k, v := range src.Metadata {
		md[k] = v
	}
	md[MetaSourceID] = src.ID
	md[MetaChunkIndex] = ch.Index
	md[MetaStart] = ch.Start
	md[MetaEnd] = ch.End
	return models.DocumentInput{
		ID:       fileid.ChunkID(src.ID, ch.Index),
		Content:  Preprocess(ch.Text),
		Metadata: md,
	}
}

// DeleteSource removes every chunk of sourceID.
func (p *Pipeline) DeleteSource(ctx context.Context, sourceID string) (int, error) {
	n, err := p.target.DeleteSource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	p.logger.Debug("Source deleted", zap.String("source_id", sourceID), zap.Int("chunks", n))
	return n, nil
}

// IngestFile reads a file, extracts its text and ingests it under an id derived from its
// absolute path, so re-ingesting replaces the same chunks. If allowedExts is
// non-empty the extension must be listed (case-insensitive). A file already
// ingested with the same mtime and size is skipped.
func (p *Pipeline) IngestFile(ctx context.Context, path string, allowedExts []string) (Report, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Report{}, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
		return Report{}, fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return Report{}, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Report{}, fmt.Errorf("not a regular file: %s", absPath)
	}
	docID := fileid.FileDocID(absPath)
	if p.unchanged(ctx, absPath, docID, info) {
		p.logger.Debug("Skipping unchanged file", zap.String("path", absPath))
		return Report{Skipped: []string{docID}}, nil
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return Report{}, fmt.Errorf("read file: %w", err)
	}
	text := string(content)
	if p.extractor != nil {
		if text, err = p.extractor.ExtractBytes(content, ext); err != nil {
			return Report{}, fmt.Errorf("extract %s: %w", absPath, err)
		}
	}
	report, err := p.Ingest(ctx, []Source{{
		ID:   docID,
		Text: text,
		Metadata: map[string]any{
			MetaSourcePath: absPath,
			// strings avoid float64 precision loss after a JSON round trip
			metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
		},
	}})
	if err != nil {
		return report, err
	}
	p.logger.Debug("File ingested", zap.String("path", absPath), zap.String("doc_id", docID), zap.Int("chunks", report.Chunks))
	return report, nil
}

// unchanged reports whether the first chunk of docID records the same path,
// mtime and size as info.
func (p *Pipeline) unchanged(ctx context.Context, absPath, docID string, info os.FileInfo) bool {
	doc, err := p.target.Get(ctx, fileid.ChunkID(docID, 0))
	if err != nil || doc.Metadata == nil {
		return false
	}
	if doc.Metadata[MetaSourcePath] != absPath {
		return false
	}
	return metadataInt64(doc.Metadata, metaKeySourceMtime) == info.ModTime().UnixNano() &&
		metadataInt64(doc.Metadata, metaKeySourceSize) == info.Size()
}

func metadataInt64(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IngestDirectory walks dir recursively and ingests each regular file whose
// extension is in allowedExts (all files when empty). It returns the number
// of files ingested and stops at the first error.
func (p *Pipeline) IngestDirectory(ctx context.Context, dir string, allowedExts []string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
			return nil
		}
		// resolve symlinks so only regular files are ingested
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		if _, ingestErr := p.IngestFile(ctx, path, allowedExts); ingestErr != nil {
			return ingestErr
		}
		n++
		return nil
	})
	return n, err
}

// ErrNotIngested is returned by RemoveFile when the file has no chunks.
var ErrNotIngested = errors.New("indexer: file is not ingested")

// RemoveFile deletes the chunks of a previously ingested file.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	n, err := p.DeleteSource(ctx, fileid.FileDocID(absPath))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotIngested
	}
	return nil
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
