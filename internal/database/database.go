// Package database is the engine facade: named collections of vectors and
// documents with HNSW, BM25 and hybrid search, persisted through a storage
// backend and coordinated across execution contexts.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/codec"
	"github.com/hyperjump/kura/internal/coord"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/metrics"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/search"
	"github.com/hyperjump/kura/internal/storage"
	"github.com/hyperjump/kura/internal/vector"
)

// DefaultName is the keystore entry name used when none is configured.
const DefaultName = "kura"

// Defaults seeds new collections and searches.
type Defaults struct {
	HNSW    vector.Config
	Keyword keyword.Options
	Search  search.Options
	// PersistOnWrite saves index blobs after every write. When false, blobs
	// are saved by Persist and Close.
	PersistOnWrite bool
}

// DefaultDefaults returns the standard engine settings. HNSW AutoRebuild is on.
func DefaultDefaults() Defaults {
	h := vector.DefaultConfig()
	h.AutoRebuild = true
	return Defaults{
		HNSW:           h,
		Keyword:        keyword.DefaultOptions(),
		Search:         search.DefaultOptions(),
		PersistOnWrite: true,
	}
}

// Option configures a DB.
type Option func(*DB)

// WithCoordinator enables cross-context locking and invalidation.
func WithCoordinator(c *coord.Coordinator) Option {
	return func(db *DB) { db.coord = c }
}

// WithKeystore enables encrypted collections. name identifies the keystore
// entry for Rekey.
func WithKeystore(ks *keystore.Keystore, name string) Option {
	return func(db *DB) {
		db.ks = ks
		if name != "" {
			db.name = name
		}
	}
}

// WithCompression sets the index blob compression.
func WithCompression(c codec.Compression) Option {
	return func(db *DB) { db.compression = c }
}

// WithDefaults replaces DefaultDefaults.
func WithDefaults(d Defaults) Option {
	return func(db *DB) { db.defaults = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// DB is an open database.
type DB struct {
	store       storage.Storage
	coord       *coord.Coordinator
	ks          *keystore.Keystore
	name        string
	compression codec.Compression
	defaults    Defaults
	logger      *zap.Logger

	mu            sync.Mutex
	collections   map[string]*Collection
	removeHandler func()
	closed        bool
}

// CollectionSpec describes a collection to create.
type CollectionSpec struct {
	Name         string
	Dimensions   int
	Metric       distance.Metric
	KeywordIndex bool
	Encrypted    bool
	// HNSW overrides M, EfConstruction and EfSearch; zero fields use the
	// database defaults.
	HNSW vector.Config
}

// Open opens store and, when configured, starts the coordinator.
func Open(ctx context.Context, store storage.Storage, opts ...Option) (*DB, error) {
	db := &DB{
		name:        DefaultName,
		compression: codec.None,
		defaults:    DefaultDefaults(),
		logger:      zap.NewNop(),
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.ks != nil {
		store = storage.NewSealed(store, db.ks)
	}
	db.store = store
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if db.coord != nil {
		db.removeHandler = db.coord.OnMessage(db.handleMessage)
		if err := db.coord.Start(ctx); err != nil {
			db.removeHandler()
			_ = store.Close()
			return nil, fmt.Errorf("start coordinator: %w", err)
		}
	}
	db.logger.Info("Database opened",
		zap.String("compression", db.compression.String()),
		zap.Bool("coordinated", db.coord != nil),
		zap.Bool("keystore", db.ks != nil))
	return db, nil
}

// Close persists dirty indexes, stops the coordinator and closes storage.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cols := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		cols = append(cols, c)
	}
	db.mu.Unlock()

	var errs []error
	for _, c := range cols {
		if err := c.flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", c.Name(), err))
		}
	}
	if db.coord != nil {
		if db.removeHandler != nil {
			db.removeHandler()
		}
		if err := db.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close coordinator: %w", err))
		}
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

func (db *DB) check() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Coordinator returns the coordinator, or nil.
func (db *DB) Coordinator() *coord.Coordinator { return db.coord }

// Defaults returns the effective defaults.
func (db *DB) Defaults() Defaults { return db.defaults }

// CreateCollection creates a collection. Names are unique.
func (db *DB) CreateCollection(ctx context.Context, spec CollectionSpec) (*Collection, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCollection)
	}
	if spec.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalidCollection, spec.Dimensions)
	}
	if !spec.Metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %d", ErrInvalidCollection, spec.Metric)
	}
	if spec.Encrypted && db.ks == nil {
		return nil, ErrEncryptionUnavailable
	}
	info := &models.Collection{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Dimensions:     spec.Dimensions,
		Metric:         spec.Metric.String(),
		KeywordIndex:   spec.KeywordIndex,
		Encrypted:      spec.Encrypted,
		M:              firstPositive(spec.HNSW.M, db.defaults.HNSW.M),
		EfConstruction: firstPositive(spec.HNSW.EfConstruction, db.defaults.HNSW.EfConstruction),
		EfSearch:       firstPositive(spec.HNSW.EfSearch, db.defaults.HNSW.EfSearch),
		CreatedAt:      time.Now().UTC(),
	}
	err := db.store.PutCollection(ctx, info)
	metrics.OperationsTotal.WithLabelValues("create_collection", metrics.Status(err)).Inc()
	if err != nil {
		return nil, err
	}
	c, err := db.collection(info)
	if err != nil {
		return nil, err
	}
	db.logger.Info("Collection created",
		zap.String("collection", info.Name),
		zap.String("collection_id", info.ID),
		zap.Int("dimensions", info.Dimensions),
		zap.String("metric", info.Metric))
	return c, nil
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// collection returns the cached handle for info, creating it if needed.
func (db *DB) collection(info *models.Collection) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.collections[info.ID]; ok {
		return c, nil
	}
	c, err := newCollection(db, info)
	if err != nil {
		return nil, err
	}
	db.collections[info.ID] = c
	return c, nil
}

// Collection looks a collection up by id, then by name.
func (db *DB) Collection(ctx context.Context, nameOrID string) (*Collection, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	if c, ok := db.collections[nameOrID]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	info, err := db.store.GetCollection(ctx, nameOrID)
	if errors.Is(err, storage.ErrNotFound) {
		info, err = db.store.GetCollectionByName(ctx, nameOrID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, nameOrID)
	}
	if err != nil {
		return nil, err
	}
	return db.collection(info)
}

// ListCollections returns every collection's description.
func (db *DB) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.store.ListCollections(ctx)
}

// DropCollection deletes a collection with all its records and indexes.
func (db *DB) DropCollection(ctx context.Context, nameOrID string) error {
	c, err := db.Collection(ctx, nameOrID)
	if err != nil {
		return err
	}
	err = db.withLock(ctx, c.lockName(), coord.Exclusive, func(ctx context.Context) error {
		if err := db.store.DeleteCollection(ctx, c.ID()); err != nil {
			return err
		}
		c.reset()
		return nil
	})
	metrics.OperationsTotal.WithLabelValues("drop_collection", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	db.mu.Lock()
	delete(db.collections, c.ID())
	db.mu.Unlock()
	metrics.IndexNodes.DeleteLabelValues(c.Name())
	db.broadcast(ctx, coord.CollectionCleared, c.ID(), nil)
	db.logger.Info("Collection dropped", zap.String("collection", c.Name()))
	return nil
}

// Clear removes every collection and record.
func (db *DB) Clear(ctx context.Context) error {
	if err := db.check(); err != nil {
		return err
	}
	err := db.withLock(ctx, "database", coord.Exclusive, func(ctx context.Context) error {
		return db.store.Clear(ctx)
	})
	metrics.OperationsTotal.WithLabelValues("clear_database", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	db.mu.Lock()
	for id, c := range db.collections {
		c.reset()
		delete(db.collections, id)
	}
	db.mu.Unlock()
	db.broadcast(ctx, coord.DatabaseCleared, "", nil)
	return nil
}

// EstimateSize returns the storage backend's size estimate in bytes.
func (db *DB) EstimateSize(ctx context.Context) (int64, error) {
	if err := db.check(); err != nil {
		return 0, err
	}
	return db.store.EstimateSize(ctx)
}

// Rekey changes the keystore passphrase and re-seals the index blobs of
// every encrypted collection under the new key.
func (db *DB) Rekey(ctx context.Context, oldPassphrase, newPassphrase string) error {
	if err := db.check(); err != nil {
		return err
	}
	if db.ks == nil {
		return ErrEncryptionUnavailable
	}
	infos, err := db.store.ListCollections(ctx)
	if err != nil {
		return err
	}
	// load everything under the old key first
	var encrypted []*Collection
	for _, info := range infos {
		if !info.Encrypted {
			continue
		}
		c, err := db.collection(info)
		if err != nil {
			return err
		}
		if err := c.ensureLoaded(ctx); err != nil {
			return fmt.Errorf("load %s: %w", info.Name, err)
		}
		encrypted = append(encrypted, c)
	}
	if err := db.ks.ChangePassphrase(ctx, db.name, oldPassphrase, newPassphrase); err != nil {
		return err
	}
	for _, c := range encrypted {
		if err := c.Persist(ctx); err != nil {
			return fmt.Errorf("reseal %s: %w", c.Name(), err)
		}
	}
	db.logger.Info("Keystore rekeyed", zap.Int("collections", len(encrypted)))
	return nil
}

func (db *DB) withLock(ctx context.Context, name string, mode coord.LockMode, fn func(context.Context) error) error {
	if db.coord == nil {
		return fn(ctx)
	}
	return db.coord.WithLock(ctx, name, mode, fn)
}

func (db *DB) broadcast(ctx context.Context, t coord.MessageType, collectionID string, ids []string) {
	if db.coord == nil {
		return
	}
	if err := db.coord.Broadcast(ctx, t, collectionID, ids); err != nil {
		db.logger.Warn("Broadcast failed", zap.String("type", string(t)), zap.Error(err))
	}
}

// handleMessage marks in-memory indexes stale when another context wrote.
func (db *DB) handleMessage(m coord.Message) {
	switch m.Type {
	case coord.DocumentAdded, coord.DocumentUpdated, coord.DocumentDeleted,
		coord.IndexUpdated, coord.CollectionCleared:
		db.mu.Lock()
		c, ok := db.collections[m.Collection]
		if ok && m.Type == coord.CollectionCleared {
			delete(db.collections, m.Collection)
		}
		db.mu.Unlock()
		if ok {
			c.markStale()
			db.logger.Debug("Collection invalidated",
				zap.String("collection_id", m.Collection),
				zap.String("type", string(m.Type)),
				zap.String("from_tab_id", m.TabID))
		}
	case coord.DatabaseCleared:
		db.mu.Lock()
		for id, c := range db.collections {
			c.markStale()
			delete(db.collections, id)
		}
		db.mu.Unlock()
	}
}
