package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/config"
	"github.com/hyperjump/kura/internal/coord"
	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/embedding"
	"github.com/hyperjump/kura/internal/extract"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/storage"
)

// Components holds initialized services.
type Components struct {
	DB       *database.DB
	Embedder embedding.Embedder
	Keystore *keystore.Keystore

	entries *keystore.SQLiteEntryStore
	bus     coord.Bus
	redis   rueidis.Client
	logger  *zap.Logger
}

// Close flushes the database and releases every backend.
func (c *Components) Close() {
	ctx := context.Background()
	if c.DB != nil {
		if err := c.DB.Close(ctx); err != nil {
			c.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if c.bus != nil {
		_ = c.bus.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.entries != nil {
		_ = c.entries.Close()
	}
	if c.Keystore != nil {
		c.Keystore.Lock()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

// Pipeline returns an ingest pipeline for coll configured from cfg.
func (c *Components) Pipeline(cfg *config.Config, coll *database.Collection) *indexer.Pipeline {
	return indexer.NewPipeline(coll, c.Embedder,
		indexer.WithChunker(indexer.NewChunker(cfg.Chunking.Options())),
		indexer.WithBatchSize(cfg.Ingest.BatchSize),
		indexer.WithRateLimit(cfg.Ingest.EmbedRatePerSec),
		indexer.WithExtractor(extract.New()),
		indexer.WithLogger(c.logger),
	)
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStorage(), nil
	case config.BackendSQLite:
		return storage.NewSQLiteStorage(cfg.Storage.DatabasePath), nil
	case config.BackendBadger:
		return storage.NewBadgerStorage(cfg.Storage.BadgerPath), nil
	}
	return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
}

func databaseDefaults(cfg *config.Config) (database.Defaults, error) {
	d := database.DefaultDefaults()
	h, err := cfg.Index.HNSW()
	if err != nil {
		return d, err
	}
	o, err := cfg.Search.Options()
	if err != nil {
		return d, err
	}
	d.HNSW = h
	d.Keyword = cfg.KeywordOptions()
	d.Search = o
	return d, nil
}

// newCoordinator builds the sync layer for cfg.Sync.Backend. SyncNone returns
// a nil coordinator.
func (c *Components) newCoordinator(cfg *config.Config) (*coord.Coordinator, error) {
	opts := []coord.Option{
		coord.WithLockProvider(coord.NewMemoryLockProvider()),
		coord.WithHeartbeat(cfg.Sync.HeartbeatInterval),
		coord.WithStaleAfter(cfg.Sync.StaleAfter),
		coord.WithLogger(c.logger),
	}
	switch cfg.Sync.Backend {
	case config.SyncNone:
		return nil, nil
	case config.SyncMemory:
		c.bus = coord.NewMemoryBus()
		opts = append(opts, coord.WithBus(c.bus), coord.WithLeaderStore(coord.NewMemoryLeaderStore()))
	case config.SyncRedis:
		client, err := coord.NewRedisClient(coord.RedisConfig{
			Addrs:    cfg.Sync.RedisAddrs,
			Password: cfg.Sync.RedisPassword,
		})
		if err != nil {
			return nil, err
		}
		c.redis = client
		c.bus = coord.NewRedisBus(client, cfg.Sync.Channel, c.logger)
		opts = append(opts,
			coord.WithBus(c.bus),
			coord.WithLeaderStore(coord.NewRedisLeaderStore(client, cfg.Sync.LeaderKey)))
	default:
		return nil, fmt.Errorf("unknown sync backend: %q", cfg.Sync.Backend)
	}
	return coord.New(opts...), nil
}

// openKeystore opens the keystore when one is configured and unlocks it with
// the passphrase from the configured environment variable, if set.
func (c *Components) openKeystore(ctx context.Context, cfg *config.Config) error {
	if cfg.Keystore.Path == "" {
		return nil
	}
	entries, err := keystore.OpenSQLiteEntryStore(ctx, cfg.Keystore.Path)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	c.entries = entries
	c.Keystore = keystore.New(entries, keystore.WithLogger(c.logger))
	pass := os.Getenv(cfg.Keystore.PassphraseEnv)
	if pass == "" {
		c.logger.Info("keystore locked; encrypted collections are unavailable",
			zap.String("passphrase_env", cfg.Keystore.PassphraseEnv))
		return nil
	}
	ok, err := c.Keystore.Unlock(ctx, cfg.Keystore.Name, pass)
	if err != nil {
		c.logger.Warn("keystore unlock failed", zap.Error(err))
		return nil
	}
	if !ok {
		return fmt.Errorf("keystore: wrong passphrase in %s", cfg.Keystore.PassphraseEnv)
	}
	return nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	ctx := context.Background()
	c := &Components{logger: logger}
	fail := func(err error) (*Components, error) {
		c.Close()
		return nil, err
	}

	store, err := newStorage(cfg)
	if err != nil {
		return fail(err)
	}
	compression, err := cfg.Storage.CompressionCodec()
	if err != nil {
		return fail(err)
	}
	defaults, err := databaseDefaults(cfg)
	if err != nil {
		return fail(err)
	}
	opts := []database.Option{
		database.WithCompression(compression),
		database.WithDefaults(defaults),
		database.WithLogger(logger),
	}

	co, err := c.newCoordinator(cfg)
	if err != nil {
		return fail(err)
	}
	if co != nil {
		opts = append(opts, database.WithCoordinator(co))
	}
	if err := c.openKeystore(ctx, cfg); err != nil {
		return fail(err)
	}
	if c.Keystore != nil {
		opts = append(opts, database.WithKeystore(c.Keystore, cfg.Keystore.Name))
	}

	db, err := database.Open(ctx, store, opts...)
	if err != nil {
		return fail(fmt.Errorf("failed to open database: %w", err))
	}
	c.DB = db

	var embedder embedding.Embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	if cfg.Embedding.CacheSize > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
	}
	c.Embedder = embedder

	logger.Debug("components initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("compression", compression.String()),
		zap.String("sync", cfg.Sync.Backend),
		zap.Bool("keystore", c.Keystore != nil),
		zap.Int("embedding_dimensions", embedder.Dimensions()))
	return c, nil
}
