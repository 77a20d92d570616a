package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/codec"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/storage"
	"github.com/hyperjump/kura/internal/vector"
)

// ensureLoaded loads the collection's indexes if they are missing or stale.
func (c *Collection) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.loaded && !c.stale.Load()
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

// loadLocked brings the in-memory state up to date. A stale collection with
// unsaved changes is rebuilt from records, since its blobs may predate them.
func (c *Collection) loadLocked(ctx context.Context) error {
	if c.loaded && !c.stale.Load() {
		return nil
	}
	if err := c.checkKeys(); err != nil {
		return err
	}
	wasStale := c.stale.Swap(false)
	fail := func(err error) error {
		if wasStale {
			c.stale.Store(true)
		}
		return err
	}

	docs, err := c.db.store.GetAllDocuments(ctx, c.info.ID)
	if err != nil {
		return fail(err)
	}
	meta := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		meta[d.ID] = d.Metadata
	}

	forceRebuild := c.loaded && c.dirty
	built := forceRebuild
	var unavailable error
	vectors, fromBlob, err := c.loadVectors(ctx, forceRebuild)
	switch {
	case err == nil:
		built = built || !fromBlob
	case isCorrupt(err):
		unavailable = fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		c.logger.Error("Vector index failed to load, rebuild required", zap.Error(err))
	default:
		return fail(err)
	}

	var keywords *keyword.Index
	if c.info.KeywordIndex {
		var kwBuilt bool
		keywords, kwBuilt, err = c.loadKeywords(ctx, docs, forceRebuild)
		if err != nil {
			return fail(err)
		}
		built = built || kwBuilt
	}

	c.meta = meta
	c.vectors = vectors
	c.keywords = keywords
	c.unavailable = unavailable
	c.loaded = true
	c.dirty = built
	c.recordSize()
	c.logger.Debug("Collection loaded",
		zap.Int("records", len(meta)),
		zap.Bool("rebuilt", built),
		zap.Bool("reloaded", wasStale))
	return nil
}

// isCorrupt reports whether err means a blob exists but cannot be used.
func isCorrupt(err error) bool {
	var dim *vector.ErrDimensionMismatch
	return errors.Is(err, vector.ErrCorruptIndex) ||
		errors.Is(err, vector.ErrIncompatibleVersion) ||
		errors.Is(err, codec.ErrCorruptFrame) ||
		errors.Is(err, keystore.ErrCiphertext) ||
		errors.As(err, &dim)
}

// loadBlob fetches and decompresses an index blob. found is false when no blob
// has been saved.
func (c *Collection) loadBlob(ctx context.Context, kind string) (raw []byte, found bool, err error) {
	blob, err := c.db.store.LoadIndex(ctx, c.info.ID, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err = codec.Decompress(blob)
	if err != nil {
		if !errors.Is(err, codec.ErrCorruptFrame) {
			err = fmt.Errorf("%w: %v", codec.ErrCorruptFrame, err)
		}
		return nil, true, err
	}
	return raw, true, nil
}

func (c *Collection) loadVectors(ctx context.Context, forceRebuild bool) (*vector.HNSW, bool, error) {
	var blob *vector.HNSW
	if !forceRebuild {
		raw, found, err := c.loadBlob(ctx, storage.IndexHNSW)
		if err != nil {
			return nil, false, err
		}
		if found {
			if blob, err = vector.Deserialize(raw, c.info.Dimensions, vector.WithLogger(c.logger)); err != nil {
				return nil, false, err
			}
		}
	}
	recs, err := c.db.store.GetAllVectors(ctx, c.info.ID)
	if err != nil {
		return nil, false, err
	}
	if blob != nil {
		if vectorsMatch(blob, recs) {
			return blob, true, nil
		}
		c.logger.Warn("Vector index is behind stored records, rebuilding",
			zap.Int("indexed", blob.Len()),
			zap.Int("stored", len(recs)))
	}
	h, err := c.vectorsFrom(ctx, recs)
	return h, false, err
}

// vectorsMatch reports whether h holds exactly the stored records.
func vectorsMatch(h *vector.HNSW, recs []*models.VectorRecord) bool {
	if h.Len() != len(recs) {
		return false
	}
	for _, r := range recs {
		v, ok := h.Vector(r.ID)
		if !ok || !slices.Equal(v, r.Vector) {
			return false
		}
	}
	return true
}

func (c *Collection) buildVectors(ctx context.Context) (*vector.HNSW, error) {
	recs, err := c.db.store.GetAllVectors(ctx, c.info.ID)
	if err != nil {
		return nil, err
	}
	return c.vectorsFrom(ctx, recs)
}

func (c *Collection) vectorsFrom(ctx context.Context, recs []*models.VectorRecord) (*vector.HNSW, error) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	h, err := vector.New(c.info.Dimensions, c.hnswCfg, vector.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := h.Insert(r.ID, r.Vector); err != nil {
			return nil, fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	return h, nil
}

// loadKeywords restores the BM25 blob, or rebuilds from documents when the
// blob is missing or unreadable. The keyword index is always derivable.
func (c *Collection) loadKeywords(ctx context.Context, docs []*models.Document, forceRebuild bool) (*keyword.Index, bool, error) {
	if !forceRebuild {
		raw, found, err := c.loadBlob(ctx, storage.IndexBM25)
		switch {
		case err != nil && !isCorrupt(err):
			return nil, false, err
		case err != nil:
			c.logger.Warn("Keyword index unreadable, rebuilding", zap.Error(err))
		case found:
			idx, err := keyword.FromJSON(raw, c.db.defaults.Keyword)
			switch {
			case err != nil:
				c.logger.Warn("Keyword index unreadable, rebuilding", zap.Error(err))
			case !keywordsMatch(idx, docs):
				c.logger.Warn("Keyword index is behind stored records, rebuilding",
					zap.Int("indexed", idx.Len()),
					zap.Int("stored", len(docs)))
			default:
				return idx, false, nil
			}
		}
	}
	return buildKeywords(docs, c.db.defaults.Keyword), true, nil
}

// keywordsMatch reports whether idx covers exactly docs. Text is compared
// when the index stores it.
func keywordsMatch(idx *keyword.Index, docs []*models.Document) bool {
	if idx.Len() != len(docs) {
		return false
	}
	for _, d := range docs {
		if !idx.Has(d.ID) {
			return false
		}
		if text, ok := idx.Text(d.ID); ok && text != d.Content {
			return false
		}
	}
	return true
}

func buildKeywords(docs []*models.Document, opts keyword.Options) *keyword.Index {
	idx := keyword.NewIndex(opts)
	batch := make([]keyword.Doc, 0, len(docs))
	for _, d := range docs {
		batch = append(batch, keyword.Doc{ID: d.ID, Text: d.Content})
	}
	idx.AddMany(batch)
	return idx
}

// rebuildLocked rebuilds every index from stored records and clears any
// load failure.
func (c *Collection) rebuildLocked(ctx context.Context) error {
	docs, err := c.db.store.GetAllDocuments(ctx, c.info.ID)
	if err != nil {
		return err
	}
	vectors, err := c.buildVectors(ctx)
	if err != nil {
		return err
	}
	meta := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		meta[d.ID] = d.Metadata
	}
	c.vectors = vectors
	c.keywords = nil
	if c.info.KeywordIndex {
		c.keywords = buildKeywords(docs, c.db.defaults.Keyword)
	}
	c.meta = meta
	c.unavailable = nil
	c.loaded = true
	c.recordSize()
	return nil
}

// emptyLocked replaces the indexes with empty ones.
func (c *Collection) emptyLocked() error {
	h, err := vector.New(c.info.Dimensions, c.hnswCfg, vector.WithLogger(c.logger))
	if err != nil {
		return err
	}
	c.vectors = h
	c.keywords = nil
	if c.info.KeywordIndex {
		c.keywords = keyword.NewIndex(c.db.defaults.Keyword)
	}
	c.meta = make(map[string]map[string]any)
	c.unavailable = nil
	c.recordSize()
	return nil
}

// persistLocked compresses and saves the index blobs. Encryption of
// encrypted collections happens below, in the sealed store, so blobs are
// compressed before they are sealed. A vector index that failed to load is
// not overwritten.
func (c *Collection) persistLocked(ctx context.Context) error {
	if !c.dirty {
		return nil
	}
	if c.vectors != nil && c.unavailable == nil {
		raw, err := c.vectors.Serialize()
		if err != nil {
			return err
		}
		if err := c.saveBlob(ctx, storage.IndexHNSW, raw); err != nil {
			return err
		}
	}
	if c.keywords != nil {
		raw, err := c.keywords.ToJSON()
		if err != nil {
			return err
		}
		if err := c.saveBlob(ctx, storage.IndexBM25, raw); err != nil {
			return err
		}
	}
	c.dirty = false
	return nil
}

func (c *Collection) saveBlob(ctx context.Context, kind string, raw []byte) error {
	blob, err := codec.Compress(c.db.compression, raw)
	if err != nil {
		return fmt.Errorf("compress %s index: %w", kind, err)
	}
	return c.db.store.SaveIndex(ctx, c.info.ID, kind, blob)
}
