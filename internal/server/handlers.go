package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/config"
	"github.com/hyperjump/kura/internal/coord"
	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/distance"
	"github.com/hyperjump/kura/internal/filter"
	"github.com/hyperjump/kura/internal/indexer"
	"github.com/hyperjump/kura/internal/keystore"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/search"
	"github.com/hyperjump/kura/internal/storage"
	"github.com/hyperjump/kura/internal/vector"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var dm *vector.ErrDimensionMismatch
	var sdm *storage.DimensionError
	switch {
	case errors.Is(err, database.ErrCollectionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrCollectionExists):
		return http.StatusConflict
	case errors.As(err, &dm), errors.As(err, &sdm),
		errors.Is(err, database.ErrInvalidID),
		errors.Is(err, database.ErrInvalidCollection),
		errors.Is(err, database.ErrNoKeywordIndex),
		errors.Is(err, database.ErrEncryptionUnavailable),
		errors.Is(err, filter.ErrInvalidFilter),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrInvalidWeight),
		errors.Is(err, errVectorRequired),
		errors.Is(err, errInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, keystore.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, database.ErrIndexUnavailable), errors.Is(err, coord.ErrLockTimeout),
		errors.Is(err, database.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

// collection resolves the {name} URL parameter and writes the error response
// when it cannot.
func (s *Server) collection(w http.ResponseWriter, r *http.Request) (*database.Collection, bool) {
	coll, err := s.db.Collection(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondErr(w, "collection lookup failed", err)
		return nil, false
	}
	return coll, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type collectionView struct {
	models.Collection
	Count       int    `json:"count"`
	Unavailable string `json:"unavailable,omitempty"`
}

func (s *Server) view(r *http.Request, coll *database.Collection) (collectionView, error) {
	n, err := coll.Count(r.Context())
	if err != nil && !errors.Is(err, database.ErrIndexUnavailable) {
		return collectionView{}, err
	}
	v := collectionView{Collection: coll.Info(), Count: n}
	if u := coll.Unavailable(); u != nil {
		v.Unavailable = u.Error()
	}
	return v, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	infos, err := s.db.ListCollections(ctx)
	if err != nil {
		s.respondErr(w, "status: list collections failed", err)
		return
	}
	collections := make([]collectionView, 0, len(infos))
	for _, info := range infos {
		coll, err := s.db.Collection(ctx, info.ID)
		if err != nil {
			s.respondErr(w, "status: open collection failed", err)
			return
		}
		v, err := s.view(r, coll)
		if err != nil {
			s.respondErr(w, "status: count failed", err)
			return
		}
		collections = append(collections, v)
	}
	size, err := s.db.EstimateSize(ctx)
	if err != nil {
		s.respondErr(w, "status: estimate size failed", err)
		return
	}
	resp := map[string]interface{}{
		"collections":    collections,
		"estimated_size": size,
	}

	configInfo := map[string]interface{}{
		"storage_backend":      s.config.Storage.Backend,
		"compression":          s.config.Storage.Compression,
		"metric":               s.config.Index.Metric,
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"chunk_size":           s.config.Chunking.Size,
		"chunk_overlap":        s.config.Chunking.Overlap,
		"fusion":               s.config.Search.Fusion,
		"sync_backend":         s.config.Sync.Backend,
	}
	switch s.config.Storage.Backend {
	case config.BackendSQLite:
		configInfo["database_path"] = s.config.Storage.DatabasePath
		if n, err := storage.DiskUsageBytes(s.config.Storage.DatabasePath); err == nil {
			resp["disk_usage_bytes"] = n
		}
	case config.BackendBadger:
		configInfo["badger_path"] = s.config.Storage.BadgerPath
		if n, err := storage.DiskUsageBytes(s.config.Storage.BadgerPath); err == nil {
			resp["disk_usage_bytes"] = n
		}
	}
	resp["config"] = configInfo

	if c := s.db.Coordinator(); c != nil {
		resp["sync"] = map[string]interface{}{
			"tab_id":   c.TabID(),
			"leader":   c.IsLeader(),
			"degraded": c.Degraded(),
			"clock":    c.Clock(),
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type createCollectionRequest struct {
	Name           string `json:"name"`
	Dimensions     int    `json:"dimensions"`
	Metric         string `json:"metric"`
	KeywordIndex   *bool  `json:"keyword_index,omitempty"`
	Encrypted      bool   `json:"encrypted"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	EfSearch       int    `json:"ef_search"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Dimensions == 0 && s.embedder != nil {
		req.Dimensions = s.embedder.Dimensions()
	}
	if req.Metric == "" {
		req.Metric = s.config.Index.Metric
	}
	metric, err := distance.ParseMetric(req.Metric)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	keywordIndex := true
	if req.KeywordIndex != nil {
		keywordIndex = *req.KeywordIndex
	}
	s.logger.Debug("create collection request", zap.String("name", req.Name), zap.Int("dimensions", req.Dimensions))
	coll, err := s.db.CreateCollection(r.Context(), database.CollectionSpec{
		Name:         req.Name,
		Dimensions:   req.Dimensions,
		Metric:       metric,
		KeywordIndex: keywordIndex,
		Encrypted:    req.Encrypted,
		HNSW:         vector.Config{M: req.M, EfConstruction: req.EfConstruction, EfSearch: req.EfSearch},
	})
	if err != nil {
		s.respondErr(w, "create collection failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, collectionView{Collection: coll.Info()})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.db.ListCollections(r.Context())
	if err != nil {
		s.respondErr(w, "list collections failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"collections": infos})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	v, err := s.view(r, coll)
	if err != nil {
		s.respondErr(w, "count failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	if err := s.db.DropCollection(r.Context(), coll.ID()); err != nil {
		s.respondErr(w, "drop collection failed", err)
		return
	}
	s.forgetPipeline(coll.ID())
	s.respondJSON(w, http.StatusOK, map[string]string{"id": coll.ID(), "status": "dropped"})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	if err := coll.Rebuild(r.Context()); err != nil {
		s.respondErr(w, "rebuild failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": coll.ID(), "status": "rebuilt"})
}

type ingestRequest struct {
	Documents []struct {
		ID       string                 `json:"id,omitempty"`
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	} `json:"documents"`
}

func (s *Server) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil {
		s.respondError(w, http.StatusNotImplemented, "no embedder configured")
		return
	}
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		s.respondError(w, http.StatusBadRequest, "documents is required")
		return
	}
	if s.embedder.Dimensions() != coll.Dimensions() {
		s.respondErr(w, "ingest rejected", &vector.ErrDimensionMismatch{
			Expected: coll.Dimensions(), Actual: s.embedder.Dimensions(),
		})
		return
	}
	sources := make([]indexer.Source, len(req.Documents))
	for i, d := range req.Documents {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		sources[i] = indexer.Source{ID: id, Text: d.Content, Metadata: d.Metadata}
	}
	s.logger.Debug("ingest request", zap.String("collection", coll.Name()), zap.Int("documents", len(sources)))
	report, err := s.pipeline(coll).Ingest(r.Context(), sources)
	if err != nil {
		s.respondErr(w, "ingest failed", err)
		return
	}
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids, "report": report})
}

type addVectorsRequest struct {
	Records []models.DocumentInput `json:"records"`
}

func (s *Server) handleAddVectors(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req addVectorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 {
		s.respondError(w, http.StatusBadRequest, "records is required")
		return
	}
	ids := make([]string, len(req.Records))
	for i := range req.Records {
		if req.Records[i].ID == "" {
			req.Records[i].ID = uuid.NewString()
		}
		ids[i] = req.Records[i].ID
	}
	if err := coll.AddMany(r.Context(), req.Records); err != nil {
		s.respondErr(w, "add vectors failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids, "status": "added"})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	doc, err := coll.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, "get document failed", err)
		return
	}
	if r.URL.Query().Get("vector") != "true" {
		s.respondJSON(w, http.StatusOK, doc)
		return
	}
	vec, err := coll.GetVector(r.Context(), id)
	if err != nil {
		s.respondErr(w, "get vector failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, struct {
		*models.Document
		Vector []float32 `json:"vector"`
	}{doc, vec})
}

// handleDeleteDocument deletes a record by id. When no record has that id,
// the id is treated as an ingest source and all its chunks are deleted.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("collection", coll.Name()), zap.String("id", id))
	removed, err := coll.Delete(r.Context(), id)
	if err != nil {
		s.respondErr(w, "delete failed", err)
		return
	}
	n := 0
	if removed {
		n = 1
	} else if n, err = coll.DeleteSource(r.Context(), id); err != nil {
		s.respondErr(w, "delete source failed", err)
		return
	}
	if n == 0 {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "deleted": n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := chi.URLParam(r, "name")
	s.logger.Debug("search request",
		zap.String("collection", name),
		zap.String("query", query.Query),
		zap.String("mode", query.Mode),
		zap.Int("limit", query.Limit))
	response, err := s.Search(r.Context(), name, &query)
	if err != nil {
		s.respondErr(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	dirs := s.watch.Directories()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": dirs})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
