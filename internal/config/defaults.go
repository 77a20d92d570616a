package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kura/data/kura.db"
	}
	if cfg.Storage.BadgerPath == "" {
		cfg.Storage.BadgerPath = "/usr/local/var/kura/data/badger"
	}
	if cfg.Storage.Compression == "" {
		cfg.Storage.Compression = "zstd"
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EfConstruction == 0 {
		cfg.Index.EfConstruction = 200
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 50
	}
	if cfg.Index.RebuildThreshold == 0 {
		cfg.Index.RebuildThreshold = 0.2
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "cosine"
	}
	if cfg.Index.Tokenizer == "" {
		cfg.Index.Tokenizer = TokenizerSimple
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 10
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 100
	}
	if cfg.Search.FetchMultiplier == 0 {
		cfg.Search.FetchMultiplier = 3
	}
	// Both weights unset means the default blend; one zero weight is a
	// deliberate single-leg setup.
	if cfg.Search.VectorWeight == 0 && cfg.Search.KeywordWeight == 0 {
		cfg.Search.VectorWeight = 0.7
		cfg.Search.KeywordWeight = 0.3
	}
	if cfg.Search.Fusion == "" {
		cfg.Search.Fusion = "weighted"
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = 60
	}
	if cfg.Search.NormalizeScores == nil {
		t := true
		cfg.Search.NormalizeScores = &t
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 512
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 50
	}
	if cfg.Chunking.MinSize == 0 {
		cfg.Chunking.MinSize = 50
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 32
	}
	if cfg.Sync.Backend == "" {
		cfg.Sync.Backend = SyncNone
	}
	if cfg.Sync.Channel == "" {
		cfg.Sync.Channel = "kura:sync"
	}
	if cfg.Sync.LeaderKey == "" {
		cfg.Sync.LeaderKey = "kura:leader"
	}
	if cfg.Sync.HeartbeatInterval == 0 {
		cfg.Sync.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Sync.StaleAfter == 0 {
		cfg.Sync.StaleAfter = 10 * time.Second
	}
	if cfg.Keystore.Name == "" {
		cfg.Keystore.Name = "kura"
	}
	if cfg.Keystore.Iterations == 0 {
		cfg.Keystore.Iterations = 100000
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "KURA_PASSPHRASE"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx", ".pptx", ".odp", ".ods", ".odt", ".rtf"}
	}
	if cfg.Watch.Collection == "" {
		cfg.Watch.Collection = "files"
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
