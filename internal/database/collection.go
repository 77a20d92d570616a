package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/coord"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/filter"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/metrics"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/search"
	"github.com/hyperjump/kura/internal/vector"
)

const maxIDLength = 512

// Collection is a handle on one collection. Operations on a handle are
// serialized; across contexts they run under the coordinator's
// "collection:<id>" lock.
type Collection struct {
	db      *DB
	info    models.Collection
	metric  distance.Metric
	hnswCfg vector.Config
	logger  *zap.Logger

	mu          sync.RWMutex
	loaded      bool
	stale       atomic.Bool
	dirty       bool
	unavailable error
	vectors     *vector.HNSW
	keywords    *keyword.Index
	meta        map[string]map[string]any
}

var _ indexer.Target = (*Collection)(nil)

func newCollection(db *DB, info *models.Collection) (*Collection, error) {
	metric, err := distance.ParseMetric(info.Metric)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", info.Name, err)
	}
	cfg := db.defaults.HNSW
	cfg.Metric = metric
	cfg.M = firstPositive(info.M, cfg.M)
	cfg.M0 = 0
	cfg.EfConstruction = firstPositive(info.EfConstruction, cfg.EfConstruction)
	cfg.EfSearch = firstPositive(info.EfSearch, cfg.EfSearch)
	return &Collection{
		db:      db,
		info:    *info,
		metric:  metric,
		hnswCfg: cfg,
		logger:  db.logger.With(zap.String("collection", info.Name)),
	}, nil
}

// ID returns the collection id.
func (c *Collection) ID() string { return c.info.ID }

// Name returns the collection name.
func (c *Collection) Name() string { return c.info.Name }

// Dimensions returns the vector dimension.
func (c *Collection) Dimensions() int { return c.info.Dimensions }

// Metric returns the distance metric.
func (c *Collection) Metric() distance.Metric { return c.metric }

// Info returns a copy of the collection description.
func (c *Collection) Info() models.Collection { return c.info }

func (c *Collection) lockName() string { return "collection:" + c.info.ID }

func (c *Collection) markStale() { c.stale.Store(true) }

// reset drops all in-memory state; the next access reloads from storage.
func (c *Collection) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.dirty = false
	c.unavailable = nil
	c.vectors = nil
	c.keywords = nil
	c.meta = nil
}

// checkKeys fails an encrypted collection before any storage access unless
// the keystore holds a key.
func (c *Collection) checkKeys() error {
	if !c.info.Encrypted {
		return nil
	}
	if c.db.ks == nil {
		return ErrEncryptionUnavailable
	}
	if !c.db.ks.IsUnlocked() {
		return keystore.ErrLocked
	}
	return nil
}

// access runs the closed and keystore checks shared by every operation.
func (c *Collection) access() error {
	if err := c.db.check(); err != nil {
		return err
	}
	return c.checkKeys()
}

func (c *Collection) write(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.access(); err != nil {
		metrics.OperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
		return err
	}
	err := c.db.withLock(ctx, c.lockName(), coord.Exclusive, func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.loadLocked(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
	metrics.OperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	return err
}

func (c *Collection) read(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.access(); err != nil {
		metrics.OperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
		return err
	}
	err := c.db.withLock(ctx, c.lockName(), coord.Shared, func(ctx context.Context) error {
		if err := c.ensureLoaded(ctx); err != nil {
			return err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return fn(ctx)
	})
	metrics.OperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	return err
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLength && !strings.ContainsRune(id, 0)
}

func (c *Collection) validateInputs(inputs []models.DocumentInput) error {
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		if !validID(in.ID) {
			return fmt.Errorf("%w: %q", ErrInvalidID, in.ID)
		}
		if _, dup := seen[in.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q in batch", ErrInvalidID, in.ID)
		}
		seen[in.ID] = struct{}{}
		if len(in.Vector) != c.info.Dimensions {
			return &vector.ErrDimensionMismatch{Expected: c.info.Dimensions, Actual: len(in.Vector)}
		}
	}
	return nil
}

// Add stores one record.
func (c *Collection) Add(ctx context.Context, in models.DocumentInput) error {
	return c.AddMany(ctx, []models.DocumentInput{in})
}

// AddMany validates every record, writes them in one atomic storage batch,
// updates the in-memory indexes, persists the index blobs and broadcasts
// the change. Existing ids are replaced.
func (c *Collection) AddMany(ctx context.Context, inputs []models.DocumentInput) error {
	if len(inputs) == 0 {
		return nil
	}
	if err := c.validateInputs(inputs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.write(ctx, "add_many", func(ctx context.Context) error {
		now := time.Now().UTC()
		entries := make([]models.Entry, len(inputs))
		for i, in := range inputs {
			entries[i] = models.Entry{
				Document: &models.Document{
					ID:           in.ID,
					CollectionID: c.info.ID,
					Content:      in.Content,
					Metadata:     in.Metadata,
					CreatedAt:    now,
					UpdatedAt:    now,
				},
				Vector: &models.VectorRecord{ID: in.ID, CollectionID: c.info.ID, Vector: in.Vector},
			}
		}
		if err := c.db.store.AddMany(ctx, entries); err != nil {
			return err
		}
		if err := c.applyAddsLocked(inputs); err != nil {
			return err
		}
		return c.afterWriteLocked(ctx)
	})
	if err != nil {
		return err
	}
	c.db.broadcast(ctx, coord.DocumentAdded, c.info.ID, inputIDs(inputs))
	c.logger.Debug("Records added", zap.Int("count", len(inputs)))
	return nil
}

func inputIDs(inputs []models.DocumentInput) []string {
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ID
	}
	return ids
}

func (c *Collection) applyAddsLocked(inputs []models.DocumentInput) error {
	c.dirty = true
	if c.vectors != nil {
		for _, in := range inputs {
			if err := c.vectors.Insert(in.ID, in.Vector); err != nil {
				c.unavailable = fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
				return err
			}
		}
	}
	if c.keywords != nil {
		docs := make([]keyword.Doc, len(inputs))
		for i, in := range inputs {
			docs[i] = keyword.Doc{ID: in.ID, Text: in.Content}
		}
		c.keywords.AddMany(docs)
	}
	for _, in := range inputs {
		c.meta[in.ID] = cloneMetadata(in.Metadata)
	}
	c.recordSize()
	return nil
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func (c *Collection) recordSize() {
	if c.vectors != nil {
		metrics.IndexNodes.WithLabelValues(c.info.Name).Set(float64(c.vectors.Len()))
	}
}

func (c *Collection) afterWriteLocked(ctx context.Context) error {
	c.dirty = true
	if !c.db.defaults.PersistOnWrite {
		return nil
	}
	return c.persistLocked(ctx)
}

// Get returns a stored document.
func (c *Collection) Get(ctx context.Context, id string) (*models.Document, error) {
	if err := c.access(); err != nil {
		return nil, err
	}
	doc, err := c.db.store.GetDocument(ctx, c.info.ID, id)
	metrics.OperationsTotal.WithLabelValues("get", metrics.Status(err)).Inc()
	return doc, err
}

// GetVector returns a stored vector.
func (c *Collection) GetVector(ctx context.Context, id string) ([]float32, error) {
	if err := c.access(); err != nil {
		return nil, err
	}
	rec, err := c.db.store.GetVector(ctx, c.info.ID, id)
	if err != nil {
		return nil, err
	}
	return rec.Vector, nil
}

// Delete removes one record. It reports whether the record existed.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	n, err := c.DeleteMany(ctx, []string{id})
	return n == 1, err
}

// DeleteMany removes records atomically and returns how many existed.
func (c *Collection) DeleteMany(ctx context.Context, ids []string) (int, error) {
	for _, id := range ids {
		if !validID(id) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	var removed []string
	err := c.write(ctx, "delete_many", func(ctx context.Context) error {
		var err error
		removed, err = c.deleteLocked(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		c.db.broadcast(ctx, coord.DocumentDeleted, c.info.ID, removed)
	}
	return len(removed), nil
}

// SourceRecordIDs lists the records whose source_id metadata is sourceID.
func (c *Collection) SourceRecordIDs(ctx context.Context, sourceID string) ([]string, error) {
	var ids []string
	err := c.read(ctx, "source_ids", func(context.Context) error {
		ids = c.sourceIDsLocked(sourceID)
		return nil
	})
	return ids, err
}

func (c *Collection) sourceIDsLocked(sourceID string) []string {
	var ids []string
	for id, md := range c.meta {
		if md[indexer.MetaSourceID] == sourceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DeleteSource removes every record whose source_id metadata is sourceID.
func (c *Collection) DeleteSource(ctx context.Context, sourceID string) (int, error) {
	var removed []string
	err := c.write(ctx, "delete_source", func(ctx context.Context) error {
		var err error
		removed, err = c.deleteLocked(ctx, c.sourceIDsLocked(sourceID))
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		c.db.broadcast(ctx, coord.DocumentDeleted, c.info.ID, removed)
	}
	return len(removed), nil
}

func (c *Collection) deleteLocked(ctx context.Context, ids []string) ([]string, error) {
	var present []string
	for _, id := range ids {
		if _, ok := c.meta[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}
	if err := c.db.store.DeleteMany(ctx, c.info.ID, present); err != nil {
		return nil, err
	}
	for _, id := range present {
		if c.vectors != nil {
			c.vectors.Delete(id)
		}
		if c.keywords != nil {
			c.keywords.Remove(id)
		}
		delete(c.meta, id)
	}
	c.recordSize()
	return present, c.afterWriteLocked(ctx)
}

// SearchOptions controls a pure vector or keyword search.
type SearchOptions struct {
	K      int
	Ef     int
	Filter filter.Filter
}

func (o SearchOptions) k() int {
	if o.K <= 0 {
		return search.DefaultK
	}
	return o.K
}

// searcherLocked builds a Hybrid over the loaded indexes. Callers hold c.mu.
func (c *Collection) searcherLocked() *search.Hybrid {
	var vs search.VectorSearcher
	if c.vectors != nil && c.unavailable == nil {
		vs = c.vectors
	}
	var ks search.KeywordSearcher
	if c.keywords != nil {
		ks = c.keywords
	}
	lookup := search.MetadataFunc(func(id string) (map[string]any, bool) {
		md, ok := c.meta[id]
		return md, ok
	})
	return search.NewHybrid(vs, ks, c.metric, search.WithMetadata(lookup), search.WithLogger(c.logger))
}

func (c *Collection) checkQuery(vec []float32) error {
	if len(vec) != c.info.Dimensions {
		return &vector.ErrDimensionMismatch{Expected: c.info.Dimensions, Actual: len(vec)}
	}
	return nil
}

// Search returns the k nearest records to vec, filtered before truncation.
// Score is the metric's similarity.
func (c *Collection) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]search.Result, error) {
	if err := c.checkQuery(vec); err != nil {
		return nil, err
	}
	var out []search.Result
	err := c.read(ctx, "search", func(ctx context.Context) error {
		if c.unavailable != nil {
			return c.unavailable
		}
		k := opts.k()
		var err error
		out, err = c.searcherLocked().Search(ctx, vec, "", search.Options{
			K: k, FetchK: k, VectorWeight: 1, Fusion: search.FusionWeighted,
			Filter: opts.Filter, Ef: opts.Ef,
		})
		return err
	})
	return out, err
}

// KeywordSearch ranks records by BM25. Score is the raw BM25 score.
func (c *Collection) KeywordSearch(ctx context.Context, text string, opts SearchOptions) ([]search.Result, error) {
	if !c.info.KeywordIndex {
		return nil, ErrNoKeywordIndex
	}
	var out []search.Result
	err := c.read(ctx, "keyword_search", func(ctx context.Context) error {
		k := opts.k()
		var err error
		out, err = c.searcherLocked().Search(ctx, nil, text, search.Options{
			K: k, FetchK: k, KeywordWeight: 1, Fusion: search.FusionWeighted,
			Filter: opts.Filter,
		})
		if errors.Is(err, search.ErrEmptyQuery) {
			return nil
		}
		return err
	})
	return out, err
}

// HybridSearch fuses vector and keyword results. Either input may be empty.
func (c *Collection) HybridSearch(ctx context.Context, vec []float32, text string, opts search.Options) ([]search.Result, error) {
	if len(vec) > 0 {
		if err := c.checkQuery(vec); err != nil {
			return nil, err
		}
	}
	var out []search.Result
	err := c.read(ctx, "hybrid_search", func(ctx context.Context) error {
		if len(vec) > 0 && c.unavailable != nil {
			return c.unavailable
		}
		var err error
		out, err = c.searcherLocked().Search(ctx, vec, text, opts)
		return err
	})
	return out, err
}

// Stream pages through hybrid results lazily.
func (c *Collection) Stream(ctx context.Context, vec []float32, text string, opts search.Options, pageSize int) (*search.Stream, error) {
	if len(vec) > 0 {
		if err := c.checkQuery(vec); err != nil {
			return nil, err
		}
	}
	if len(vec) == 0 && text == "" {
		return nil, search.ErrEmptyQuery
	}
	page := func(ctx context.Context, offset, limit int) ([]search.Result, error) {
		o := opts
		o.K = offset + limit
		res, err := c.HybridSearch(ctx, vec, text, o)
		if err != nil {
			return nil, err
		}
		if offset >= len(res) {
			return nil, nil
		}
		return res[offset:], nil
	}
	return search.NewPagedStream(page, pageSize), nil
}

// Count returns the number of records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.read(ctx, "count", func(context.Context) error {
		n = len(c.meta)
		return nil
	})
	return n, err
}

// Clear removes every record and index of the collection but keeps the collection.
func (c *Collection) Clear(ctx context.Context) error {
	err := c.write(ctx, "clear_collection", func(ctx context.Context) error {
		if err := c.db.store.ClearCollection(ctx, c.info.ID); err != nil {
			return err
		}
		if err := c.emptyLocked(); err != nil {
			return err
		}
		return c.afterWriteLocked(ctx)
	})
	if err != nil {
		return err
	}
	c.db.broadcast(ctx, coord.CollectionCleared, c.info.ID, nil)
	return nil
}

// Rebuild discards the in-memory indexes and rebuilds them from stored
// vectors and documents, then persists them. It recovers a collection whose
// index blob failed to load and compacts deleted graph nodes.
func (c *Collection) Rebuild(ctx context.Context) error {
	err := c.write(ctx, "rebuild", func(ctx context.Context) error {
		if err := c.rebuildLocked(ctx); err != nil {
			return err
		}
		c.dirty = true
		return c.persistLocked(ctx)
	})
	if err != nil {
		return err
	}
	c.db.broadcast(ctx, coord.IndexUpdated, c.info.ID, nil)
	c.logger.Info("Collection rebuilt")
	return nil
}

// Persist saves the index blobs now.
func (c *Collection) Persist(ctx context.Context) error {
	err := c.write(ctx, "persist", func(ctx context.Context) error {
		c.dirty = true
		return c.persistLocked(ctx)
	})
	if err != nil {
		return err
	}
	c.db.broadcast(ctx, coord.IndexUpdated, c.info.ID, nil)
	return nil
}

// flush persists unsaved changes without taking cross-context locks.
func (c *Collection) flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || !c.dirty {
		return nil
	}
	return c.persistLocked(ctx)
}

// Unavailable returns the load error that disabled vector search, or nil.
func (c *Collection) Unavailable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unavailable
}
