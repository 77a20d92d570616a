// Package server provides the HTTP API for kura.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/config"
	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/embedding"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/metrics"
)

// WatchService manages watched directories at runtime.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the kura API.
type Server struct {
	db       *database.DB
	embedder embedding.Embedder
	config   *config.Config
	logger   *zap.Logger

	watch      WatchService
	configPath string
	configMu   sync.Mutex

	pipelinesMu sync.Mutex
	pipelines   map[string]*indexer.Pipeline

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithWatch enables the watch directory endpoints. When configPath is set,
// directory changes are written back to the config file.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server with the given dependencies. embedder may be
// nil; text ingest is then disabled and text queries run keyword-only.
func NewServer(db *database.DB, embedder embedding.Embedder, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		db:        db,
		embedder:  embedder,
		config:    cfg,
		logger:    zap.NewNop(),
		pipelines: make(map[string]*indexer.Pipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	if s.config.Debug {
		r.Use(middleware.Logger)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", s.handleListCollections)
			r.Post("/", s.handleCreateCollection)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetCollection)
				r.Delete("/", s.handleDropCollection)
				r.Post("/documents", s.handleIngestDocuments)
				r.Post("/vectors", s.handleAddVectors)
				r.Get("/documents/{id}", s.handleGetDocument)
				r.Delete("/documents/{id}", s.handleDeleteDocument)
				r.Post("/search", s.handleSearch)
				r.Post("/rebuild", s.handleRebuild)
			})
		})

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// pipeline returns the ingest pipeline for coll, creating it on first use so
// the embed rate limit is shared across requests.
func (s *Server) pipeline(coll *database.Collection) *indexer.Pipeline {
	s.pipelinesMu.Lock()
	defer s.pipelinesMu.Unlock()
	if p, ok := s.pipelines[coll.ID()]; ok {
		return p
	}
	p := indexer.NewPipeline(coll, s.embedder,
		indexer.WithChunker(indexer.NewChunker(s.config.Chunking.Options())),
		indexer.WithBatchSize(s.config.Ingest.BatchSize),
		indexer.WithRateLimit(s.config.Ingest.EmbedRatePerSec),
		indexer.WithLogger(s.logger),
	)
	s.pipelines[coll.ID()] = p
	return p
}

func (s *Server) forgetPipeline(id string) {
	s.pipelinesMu.Lock()
	delete(s.pipelines, id)
	s.pipelinesMu.Unlock()
}
