// Package main is the kura CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/cli"
	"github.com/hyperjump/kura/internal/config"
	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/metrics"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/server"
	"github.com/hyperjump/kura/internal/watcher"
	"github.com/hyperjump/kura/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kura/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "ingest":
		runIngest()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "keystore":
		runKeystore()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("kura version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads the config, builds the logger and opens every component.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLoggerWithLevel(debugMode, cfg.LogLevel)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	metrics.Register()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("sync", cfg.Sync.Backend))

	ctx := context.Background()
	coll, err := ensureCollection(ctx, cfg, components, cfg.Watch.Collection)
	if err != nil {
		logger.Fatal("Failed to open watch collection", zap.Error(err))
	}
	sink := watcher.PipelineSink{
		Pipeline:   components.Pipeline(cfg, coll),
		Extensions: cfg.Watch.Extensions,
	}
	watchSvc := watcher.New(cfg.Watch.Directories, sink,
		watcher.WithLogger(logger),
		watcher.WithExtensions(cfg.Watch.Extensions),
		watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()))
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(components.DB, components.Embedder, cfg,
		server.WithLogger(logger),
		server.WithWatch(watchSvc, resolvedConfigPath))
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchSvc.Stop()
	watchCancel()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

// ensureCollection opens name, creating it with the embedder's dimensions and
// the configured metric when it does not exist.
func ensureCollection(ctx context.Context, cfg *config.Config, c *Components, name string) (*database.Collection, error) {
	coll, err := c.DB.Collection(ctx, name)
	if err == nil {
		return coll, nil
	}
	if !errors.Is(err, database.ErrCollectionNotFound) {
		return nil, err
	}
	metric, err := distance.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}
	return c.DB.CreateCollection(ctx, database.CollectionSpec{
		Name:         name,
		Dimensions:   c.Embedder.Dimensions(),
		Metric:       metric,
		KeywordIndex: true,
	})
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kura search [flags] <collection> <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  kura search notes machine learning
  kura search --mode keyword notes "exact phrase words"
  kura search --fusion rrf --limit 20 notes neural networks
  kura search --group-by source_id --output json notes query
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them. Go's flag
// package stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = open the database directly)")
	limit := fs.Int("limit", 10, "number of results")
	mode := fs.String("mode", "", "vector, keyword or hybrid (default: hybrid when possible)")
	fusion := fs.String("fusion", "", "weighted or rrf")
	minScore := fs.Float64("min-score", 0, "drop results scoring below this")
	groupBy := fs.String("group-by", "", "collapse results sharing this metadata key")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 2 {
		printSearchUsage(fs)
		os.Exit(1)
	}
	collection := fs.Arg(0)
	queryStr := buildSearchQuery(fs.Args()[1:])
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	query := &models.SearchQuery{
		Query:    queryStr,
		Limit:    *limit,
		Mode:     *mode,
		Fusion:   *fusion,
		MinScore: *minScore,
		GroupBy:  *groupBy,
	}

	var response *models.SearchResponse
	var err error
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, collection, query)
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		srv := server.NewServer(components.DB, components.Embedder, cfg, server.WithLogger(logger))
		response, err = srv.Search(context.Background(), collection, query)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, cli.ParseOutputFormat(*outputFormat)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// decodeResponse decodes a JSON body into out, or returns the server's error.
func decodeResponse(resp *http.Response, want int, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func searchViaHTTP(serverURL, collection string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	endpoint := serverURL + "/api/v1/collections/" + url.PathEscape(collection) + "/search"
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var response models.SearchResponse
	if err := decodeResponse(resp, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = open the database directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := cli.ParseOutputFormat(*outputFormat)

	var rows []cli.CollectionStatus
	var size int64
	if *serverURL != "" {
		resp, err := http.Get(*serverURL + "/api/v1/status")
		if err != nil {
			fatalf("Status failed: request failed: %v", err)
		}
		var status struct {
			Collections   []cli.CollectionStatus `json:"collections"`
			EstimatedSize int64                  `json:"estimated_size"`
		}
		if err := decodeResponse(resp, http.StatusOK, &status); err != nil {
			fatalf("Status failed: %v", err)
		}
		rows, size = status.Collections, status.EstimatedSize
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		var err error
		rows, size, err = collectStatus(context.Background(), components.DB)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
	}
	if err := cli.WriteStatus(os.Stdout, rows, size, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func collectStatus(ctx context.Context, db *database.DB) ([]cli.CollectionStatus, int64, error) {
	infos, err := db.ListCollections(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows := make([]cli.CollectionStatus, 0, len(infos))
	for _, info := range infos {
		coll, err := db.Collection(ctx, info.ID)
		if err != nil {
			return nil, 0, err
		}
		n, err := coll.Count(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("count %s: %w", info.Name, err)
		}
		rows = append(rows, cli.CollectionStatus{Collection: *info, Count: n})
	}
	size, err := db.EstimateSize(ctx)
	if err != nil {
		return nil, 0, err
	}
	return rows, size, nil
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 2 {
		fmt.Println("Usage: kura ingest [flags] <collection> <file-or-directory>")
		os.Exit(1)
	}
	name, path := fs.Arg(0), fs.Arg(1)

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	coll, err := ensureCollection(ctx, cfg, components, name)
	if err != nil {
		fatalf("Failed to open collection %q: %v", name, err)
	}
	pipeline := components.Pipeline(cfg, coll)
	info, err := os.Stat(path)
	if err != nil {
		fatalf("Failed to stat path: %v", err)
	}
	if info.IsDir() {
		n, err := pipeline.IngestDirectory(ctx, path, cfg.Watch.Extensions)
		if err != nil {
			fatalf("Ingesting directory failed: %v", err)
		}
		fmt.Printf("Ingested %d file(s) from %s into %q\n", n, path, coll.Name())
		return
	}
	// Single file: no extension filter
	report, err := pipeline.IngestFile(ctx, path, nil)
	if err != nil {
		fatalf("Ingest failed: %v", err)
	}
	if err := cli.WriteReport(os.Stdout, coll.Name(), report, cli.ParseOutputFormat(*outputFormat)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// runDelete deletes a record by id. An id that names no record is tried as an
// ingest source id, then as a file path.
func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 2 {
		fmt.Println("Usage: kura delete [flags] <collection> <id-or-path>")
		os.Exit(1)
	}
	name, id := fs.Arg(0), fs.Arg(1)

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	coll, err := components.DB.Collection(ctx, name)
	if err != nil {
		fatalf("Failed to open collection %q: %v", name, err)
	}
	n, err := deleteRecords(ctx, coll, components.Pipeline(cfg, coll), id)
	if err != nil {
		fatalf("Deletion failed: %v", err)
	}
	if n == 0 {
		fatalf("Nothing to delete for %s", id)
	}
	fmt.Printf("Deleted %d record(s) for %s\n", n, id)
}

func deleteRecords(ctx context.Context, coll *database.Collection, pipeline *indexer.Pipeline, id string) (int, error) {
	removed, err := coll.Delete(ctx, id)
	if err != nil || removed {
		return 1, err
	}
	n, err := coll.DeleteSource(ctx, id)
	if err != nil || n > 0 {
		return n, err
	}
	if _, statErr := os.Stat(id); statErr != nil {
		return 0, nil
	}
	before, err := coll.Count(ctx)
	if err != nil {
		return 0, err
	}
	if err := pipeline.RemoveFile(ctx, id); err != nil {
		if errors.Is(err, indexer.ErrNotIngested) {
			return 0, nil
		}
		return 0, err
	}
	after, err := coll.Count(ctx)
	return before - after, err
}

func runKeystore() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kura keystore <init|unlock-check|change-passphrase> [flags]")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("keystore", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	newEnv := fs.String("new-passphrase-env", "KURA_NEW_PASSPHRASE", "variable holding the new passphrase (change-passphrase)")
	_ = fs.Parse(os.Args[3:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if cfg.Keystore.Path == "" {
		fatalf("keystore.path is not configured")
	}
	pass := os.Getenv(cfg.Keystore.PassphraseEnv)
	if pass == "" {
		fatalf("Set %s to the passphrase", cfg.Keystore.PassphraseEnv)
	}
	logger, err := utils.NewLoggerWithLevel(cfg.Debug, cfg.LogLevel)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	entries, err := keystore.OpenSQLiteEntryStore(ctx, cfg.Keystore.Path)
	if err != nil {
		fatalf("Failed to open keystore: %v", err)
	}
	defer entries.Close()
	ks := keystore.New(entries, keystore.WithLogger(logger))
	defer ks.Lock()

	switch sub {
	case "init":
		if err := ks.Initialize(ctx, cfg.Keystore.Name, pass, cfg.Keystore.Iterations); err != nil {
			fatalf("Keystore init failed: %v", err)
		}
		fmt.Printf("Keystore %q initialized\n", cfg.Keystore.Name)
	case "unlock-check":
		ok, err := ks.Unlock(ctx, cfg.Keystore.Name, pass)
		if err != nil {
			fatalf("Unlock failed: %v", err)
		}
		if !ok {
			fatalf("Wrong passphrase")
		}
		fmt.Println("Passphrase OK")
	case "change-passphrase":
		newPass := os.Getenv(*newEnv)
		if newPass == "" {
			fatalf("Set %s to the new passphrase", *newEnv)
		}
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fatalf("Failed to initialize: %v", err)
		}
		defer components.Close()
		if err := components.DB.Rekey(ctx, pass, newPass); err != nil {
			fatalf("Change passphrase failed: %v", err)
		}
		fmt.Println("Passphrase changed")
	default:
		fatalf("Unknown keystore subcommand: %s", sub)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kura watch <add|remove|list> [path]")
		fmt.Println("  kura watch add <path>     Add directory to watch")
		fmt.Println("  kura watch remove <path>  Remove directory from watch")
		fmt.Println("  kura watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[3:])
	endpoint := *serverURL + "/api/v1/watch/directories"
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fatalf("Usage: kura watch add <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]interface{}{"path": path, "sync": true})
		resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			fatalf("Request failed: %v", err)
		}
		if err := decodeResponse(resp, http.StatusCreated, nil); err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fatalf("Usage: kura watch remove <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, endpoint+"?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fatalf("Request failed: %v", err)
		}
		if err := decodeResponse(resp, http.StatusOK, nil); err != nil {
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		resp, err := http.Get(endpoint)
		if err != nil {
			fatalf("Request failed: %v", err)
		}
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := decodeResponse(resp, http.StatusOK, &out); err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
}

func printUsage() {
	fmt.Println(`kura - Embedded vector database with hybrid search

Usage:
  kura server [flags]                         Start the HTTP server
  kura ingest [flags] <collection> <path>     Chunk, embed and store a file or directory
  kura search [flags] <collection> <query>    Search a collection
  kura delete [flags] <collection> <id>       Delete a record, source or file
  kura status [flags]                         Show collections and storage size
  kura keystore <init|unlock-check|change-passphrase>
                                              Manage the encryption keystore
  kura watch <add|remove|list>                Manage watched directories
  kura version                                Show version
  kura help                                   Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kura/config.yaml)

Server Flags:
  --debug            Enable debug logging

Search Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the database directly.
  --limit int        Number of results (default: 10)
  --mode string      vector, keyword or hybrid
  --fusion string    weighted or rrf
  --min-score float  Minimum score
  --group-by string  Collapse results sharing a metadata key (e.g. source_id)
  --output string    text, compact or json

Status Flags:
  --server string    Server URL. Use --server "" to open the database directly.
  --output string    text or json

Keystore:
  The passphrase is read from the variable named by keystore.passphrase_env
  (default KURA_PASSPHRASE); change-passphrase reads the new one from
  --new-passphrase-env (default KURA_NEW_PASSPHRASE).

Examples:
  kura server
  kura ingest notes ~/Documents/notes
  kura search notes "machine learning algorithms"
  kura search --mode keyword --output json notes invoice
  kura delete notes /path/to/file.md
  kura status --output json
  KURA_PASSPHRASE=secret kura keystore init
  kura watch add /path/to/docs`)
}
