// Package config provides configuration loading and structs for kura.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kura/internal/codec"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/search"
	"github.com/hyperjump/kura/internal/vector"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Sync backends.
const (
	SyncNone   = "none"
	SyncMemory = "memory"
	SyncRedis  = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sync      SyncConfig      `yaml:"sync"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`
	BadgerPath   string `yaml:"badger_path"`
	Compression  string `yaml:"compression"`
}

// CompressionCodec parses Compression.
func (s StorageConfig) CompressionCodec() (codec.Compression, error) {
	return codec.ParseCompression(s.Compression)
}

// IndexConfig holds HNSW parameters.
type IndexConfig struct {
	M                int     `yaml:"m"`
	EfConstruction   int     `yaml:"ef_construction"`
	EfSearch         int     `yaml:"ef_search"`
	RebuildThreshold float64 `yaml:"rebuild_threshold"`
	Metric           string  `yaml:"metric"`
	// Tokenizer is the BM25 tokenizer: "simple" or "unicode".
	Tokenizer string `yaml:"tokenizer"`
}

// HNSW converts the section to a vector.Config with AutoRebuild on.
func (c IndexConfig) HNSW() (vector.Config, error) {
	metric, err := distance.ParseMetric(c.Metric)
	if err != nil {
		return vector.Config{}, err
	}
	cfg := vector.DefaultConfig()
	cfg.M = c.M
	cfg.M0 = 0
	cfg.EfConstruction = c.EfConstruction
	cfg.EfSearch = c.EfSearch
	cfg.RebuildThreshold = c.RebuildThreshold
	cfg.Metric = metric
	cfg.AutoRebuild = true
	return cfg, nil
}

// SearchConfig holds hybrid search defaults.
type SearchConfig struct {
	DefaultK        int     `yaml:"default_k"`
	MaxK            int     `yaml:"max_k"`
	FetchMultiplier int     `yaml:"fetch_multiplier"`
	VectorWeight    float64 `yaml:"vector_weight"`
	KeywordWeight   float64 `yaml:"keyword_weight"`
	Fusion          string  `yaml:"fusion"`
	RRFK            int     `yaml:"rrf_k"`
	NormalizeScores *bool   `yaml:"normalize_scores"`
}

// Options converts the section to search.Options.
func (c SearchConfig) Options() (search.Options, error) {
	fusion, err := search.ParseFusion(c.Fusion)
	if err != nil {
		return search.Options{}, err
	}
	o := search.DefaultOptions()
	o.K = c.DefaultK
	o.FetchK = c.DefaultK * c.FetchMultiplier
	o.VectorWeight = c.VectorWeight
	o.KeywordWeight = c.KeywordWeight
	o.Fusion = fusion
	o.RRFK = c.RRFK
	if c.NormalizeScores != nil {
		o.NormalizeScores = *c.NormalizeScores
	}
	return o, nil
}

// ChunkingConfig holds chunker sizes in characters.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
	MinSize int `yaml:"min_size"`
}

// Options converts the section to indexer.ChunkOptions.
func (c ChunkingConfig) Options() indexer.ChunkOptions {
	return indexer.ChunkOptions{Size: c.Size, Overlap: c.Overlap, MinSize: c.MinSize}
}

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	Dimensions int `yaml:"dimensions"`
	CacheSize  int `yaml:"cache_size"`
}

// IngestConfig holds pipeline settings. A zero rate means unlimited.
type IngestConfig struct {
	BatchSize       int     `yaml:"batch_size"`
	EmbedRatePerSec float64 `yaml:"embed_rate_per_sec"`
}

// SyncConfig selects the cross-context coordination backend.
type SyncConfig struct {
	Backend           string        `yaml:"backend"`
	RedisAddrs        []string      `yaml:"redis_addrs"`
	RedisPassword     string        `yaml:"redis_password"`
	Channel           string        `yaml:"channel"`
	LeaderKey         string        `yaml:"leader_key"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// KeystoreConfig enables encrypted collections when Path is set.
type KeystoreConfig struct {
	Path       string `yaml:"path"`
	Name       string `yaml:"name"`
	Iterations int    `yaml:"iterations"`
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
	Collection  string   `yaml:"collection"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Keyword tokenizers.
const (
	TokenizerSimple  = "simple"
	TokenizerUnicode = "unicode"
)

// KeywordOptions returns the BM25 options for index.tokenizer.
func (c *Config) KeywordOptions() keyword.Options {
	opts := keyword.DefaultOptions()
	if c.Index.Tokenizer == TokenizerUnicode {
		opts.Tokenizer = keyword.NewUnicodeTokenizer()
	}
	return opts
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	switch c.Sync.Backend {
	case SyncNone, SyncMemory, SyncRedis:
	default:
		return fmt.Errorf("unknown sync backend: %q", c.Sync.Backend)
	}
	if c.Sync.Backend == SyncRedis && len(c.Sync.RedisAddrs) == 0 {
		return fmt.Errorf("sync backend redis requires redis_addrs")
	}
	if _, err := c.Storage.CompressionCodec(); err != nil {
		return err
	}
	if _, err := c.Index.HNSW(); err != nil {
		return err
	}
	if _, err := c.Search.Options(); err != nil {
		return err
	}
	switch c.Index.Tokenizer {
	case TokenizerSimple, TokenizerUnicode:
	default:
		return fmt.Errorf("unknown tokenizer: %q", c.Index.Tokenizer)
	}
	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		return fmt.Errorf("search weights must not be negative")
	}
	return nil
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BadgerPath = expandPath(cfg.Storage.BadgerPath, configDir)
	if cfg.Keystore.Path != "" {
		cfg.Keystore.Path = expandPath(cfg.Keystore.Path, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
