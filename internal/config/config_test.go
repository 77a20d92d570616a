package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/kura/internal/codec"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/keyword"
	"github.com/hyperjump/kura/internal/search"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./data/db/documents.db"
watch:
  directories: ["./dev/sample"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "documents.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "dev", "sample")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("default backend: got %s", cfg.Storage.Backend)
	}
	if cfg.Index.M != 16 || cfg.Index.EfConstruction != 200 || cfg.Index.EfSearch != 50 {
		t.Errorf("default index: got %+v", cfg.Index)
	}
	if cfg.Index.RebuildThreshold != 0.2 || cfg.Index.Metric != "cosine" {
		t.Errorf("default index: got %+v", cfg.Index)
	}
	if cfg.Search.DefaultK != 10 || cfg.Search.FetchMultiplier != 3 || cfg.Search.RRFK != 60 {
		t.Errorf("default search: got %+v", cfg.Search)
	}
	if cfg.Search.VectorWeight != 0.7 || cfg.Search.KeywordWeight != 0.3 {
		t.Errorf("when both weights are zero they should default to 0.7/0.3; got %v/%v",
			cfg.Search.VectorWeight, cfg.Search.KeywordWeight)
	}
	if cfg.Search.NormalizeScores == nil || !*cfg.Search.NormalizeScores {
		t.Error("normalize_scores should default to true")
	}
	if cfg.Chunking.Size != 512 || cfg.Chunking.Overlap != 50 || cfg.Chunking.MinSize != 50 {
		t.Errorf("default chunking: got %+v", cfg.Chunking)
	}
	if cfg.Embedding.Dimensions != 384 || cfg.Ingest.BatchSize != 32 {
		t.Errorf("default embedding/ingest: got %+v %+v", cfg.Embedding, cfg.Ingest)
	}
	if cfg.Sync.Backend != SyncNone || cfg.Sync.HeartbeatInterval != 5*time.Second || cfg.Sync.StaleAfter != 10*time.Second {
		t.Errorf("default sync: got %+v", cfg.Sync)
	}
	if cfg.Keystore.Iterations != 100000 {
		t.Errorf("default keystore iterations: got %d", cfg.Keystore.Iterations)
	}
	if len(cfg.Watch.Extensions) != 11 || cfg.Watch.Extensions[0] != ".txt" || cfg.Watch.Extensions[4] != ".docx" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_SingleWeightKept(t *testing.T) {
	cfg := &Config{Search: SearchConfig{VectorWeight: 1}}
	ApplyDefaults(cfg)
	if cfg.Search.VectorWeight != 1 || cfg.Search.KeywordWeight != 0 {
		t.Errorf("a single configured weight must be kept: got %v/%v", cfg.Search.VectorWeight, cfg.Search.KeywordWeight)
	}
}

func TestLoad_Sections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: warn
storage:
  backend: badger
  badger_path: "./data/badger"
  compression: lz4
index:
  m: 8
  metric: euclidean
search:
  default_k: 5
  fusion: rrf
  normalize_scores: false
sync:
  backend: redis
  redis_addrs: ["127.0.0.1:6379"]
  heartbeat_interval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.BadgerPath != filepath.Join(dir, "data", "badger") {
		t.Errorf("badger_path = %s", cfg.Storage.BadgerPath)
	}
	comp, err := cfg.Storage.CompressionCodec()
	if err != nil || comp != codec.LZ4 {
		t.Errorf("compression = %v, %v", comp, err)
	}
	hnsw, err := cfg.Index.HNSW()
	if err != nil {
		t.Fatal(err)
	}
	if hnsw.M != 8 || hnsw.Metric != distance.Euclidean || !hnsw.AutoRebuild {
		t.Errorf("hnsw config: got %+v", hnsw)
	}
	opts, err := cfg.Search.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.K != 5 || opts.FetchK != 15 || opts.Fusion != search.FusionRRF || opts.NormalizeScores {
		t.Errorf("search options: got %+v", opts)
	}
	if cfg.Sync.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat = %v", cfg.Sync.HeartbeatInterval)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend":     "storage:\n  backend: mongo\n",
		"compression": "storage:\n  compression: brotli\n",
		"metric":      "index:\n  metric: hamming\n",
		"fusion":      "search:\n  fusion: max\n",
		"redis":       "sync:\n  backend: redis\n",
		"tokenizer":   "index:\n  tokenizer: stemmed\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestKeywordOptions_Tokenizer(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Index.Tokenizer != TokenizerSimple {
		t.Fatalf("default tokenizer = %q", cfg.Index.Tokenizer)
	}
	if _, ok := cfg.KeywordOptions().Tokenizer.(*keyword.DefaultTokenizer); !ok {
		t.Errorf("simple tokenizer: got %T", cfg.KeywordOptions().Tokenizer)
	}
	cfg.Index.Tokenizer = TokenizerUnicode
	if _, ok := cfg.KeywordOptions().Tokenizer.(*keyword.UnicodeTokenizer); !ok {
		t.Errorf("unicode tokenizer: got %T", cfg.KeywordOptions().Tokenizer)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("true_returns_true", func(t *testing.T) {
		v := true
		w := &WatchConfig{Recursive: &v}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
