package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/config"
	"github.com/hyperjump/kura/internal/database"
	"github.com/hyperjump/kura/internal/embedding"
	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/storage"
)

const testDims = 16

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

// newTestServer opens a SQLite-backed database in a temp dir and returns a
// server with a mock embedder.
func newTestServer(t *testing.T, opts ...Option) (*Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage:   config.StorageConfig{Backend: config.BackendSQLite, DatabasePath: filepath.Join(dir, "kura.db")},
		Embedding: config.EmbeddingConfig{Dimensions: testDims},
	}
	config.ApplyDefaults(cfg)
	ctx := context.Background()
	db, err := database.Open(ctx, storage.NewSQLiteStorage(cfg.Storage.DatabasePath))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close(ctx) })
	embedder := embedding.NewMockEmbedder(testDims)
	t.Cleanup(func() { _ = embedder.Close() })
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return NewServer(db, embedder, cfg, opts...), cfg
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodGet, "/health", nil)
	w := do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "kura_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}

func TestHandleCollections(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{"name": "docs"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body: %s", w.Code, w.Body.String())
	}
	var created models.Collection
	decode(t, w, &created)
	if created.Dimensions != testDims {
		t.Errorf("dimensions should default to the embedder's: got %d", created.Dimensions)
	}
	if !created.KeywordIndex {
		t.Error("keyword index should default to on")
	}

	w = do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{"name": "docs"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: got %d, want 409", w.Code)
	}
	w = do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{"name": "bad", "metric": "hamming"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown metric: got %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/collections", nil)
	var list struct {
		Collections []models.Collection `json:"collections"`
	}
	decode(t, w, &list)
	if len(list.Collections) != 1 || list.Collections[0].Name != "docs" {
		t.Errorf("list: got %+v", list.Collections)
	}

	w = do(t, h, http.MethodGet, "/api/v1/collections/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown collection: got %d, want 404", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/api/v1/collections/docs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("drop: got %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/api/v1/collections/docs", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after drop: got %d, want 404", w.Code)
	}
}

func TestHandleIngestSearchDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{"name": "notes"})

	w := do(t, h, http.MethodPost, "/api/v1/collections/notes/documents", map[string]interface{}{
		"documents": []map[string]interface{}{
			{"id": "garden", "content": "tomatoes need full sun and regular watering in the garden",
				"metadata": map[string]interface{}{"topic": "plants"}},
			{"id": "boat", "content": "the sailboat needs a new mainsail before the regatta",
				"metadata": map[string]interface{}{"topic": "sailing"}},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest: got %d, body: %s", w.Code, w.Body.String())
	}

	var resp models.SearchResponse
	w = do(t, h, http.MethodPost, "/api/v1/collections/notes/search", map[string]interface{}{
		"query": "tomatoes", "mode": "keyword", "limit": 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("keyword search: got %d, body: %s", w.Code, w.Body.String())
	}
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Results[0].Metadata["source_id"] != "garden" {
		t.Fatalf("keyword search: got %+v", resp.Results)
	}
	if !strings.Contains(resp.Results[0].Content, "tomatoes") {
		t.Errorf("content: got %q", resp.Results[0].Content)
	}

	w = do(t, h, http.MethodPost, "/api/v1/collections/notes/search", map[string]interface{}{
		"query": "mainsail regatta", "limit": 2, "vector_weight": 0.2, "keyword_weight": 0.8,
	})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Mode != models.ModeHybrid {
		t.Errorf("mode: got %q, want hybrid", resp.Mode)
	}
	if resp.Total == 0 || resp.Results[0].Metadata["source_id"] != "boat" {
		t.Errorf("hybrid search: got %+v", resp.Results)
	}

	w = do(t, h, http.MethodPost, "/api/v1/collections/notes/search", map[string]interface{}{
		"query": "needs", "mode": "keyword", "filters": map[string]interface{}{"topic": "sailing"},
	})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Results[0].Metadata["topic"] != "sailing" {
		t.Errorf("filtered search: got %+v", resp.Results)
	}

	w = do(t, h, http.MethodPost, "/api/v1/collections/notes/search", map[string]interface{}{
		"query": "x", "filters": map[string]interface{}{"topic": map[string]interface{}{"$in": "plants"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid filter: got %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/api/v1/collections/notes/documents/garden", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete source: got %d, body: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodDelete, "/api/v1/collections/notes/documents/garden", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", w.Code)
	}
	w = do(t, h, http.MethodPost, "/api/v1/collections/notes/search", map[string]interface{}{
		"query": "tomatoes", "mode": "keyword",
	})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Total != 0 {
		t.Errorf("deleted source still found: %+v", resp.Results)
	}
}

func TestHandleVectors(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{
		"name": "raw", "dimensions": 3, "metric": "euclidean", "keyword_index": false,
	})

	w := do(t, h, http.MethodPost, "/api/v1/collections/raw/vectors", map[string]interface{}{
		"records": []map[string]interface{}{
			{"id": "a", "content": "first", "vector": []float32{0, 0, 0}},
			{"id": "b", "content": "second", "vector": []float32{10, 10, 10}},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add vectors: got %d, body: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/api/v1/collections/raw/vectors", map[string]interface{}{
		"records": []map[string]interface{}{{"id": "c", "vector": []float32{1, 2}}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong dimensions: got %d, want 400", w.Code)
	}

	var resp models.SearchResponse
	w = do(t, h, http.MethodPost, "/api/v1/collections/raw/search", map[string]interface{}{
		"vector": []float32{9, 9, 9}, "limit": 1,
	})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Mode != models.ModeVector || resp.Total != 1 || resp.Results[0].ID != "b" {
		t.Errorf("vector search: got %s %+v", resp.Mode, resp.Results)
	}

	w = do(t, h, http.MethodGet, "/api/v1/collections/raw/documents/a?vector=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	var doc struct {
		ID      string    `json:"id"`
		Content string    `json:"content"`
		Vector  []float32 `json:"vector"`
	}
	decode(t, w, &doc)
	if doc.ID != "a" || doc.Content != "first" || len(doc.Vector) != 3 {
		t.Errorf("get: got %+v", doc)
	}

	w = do(t, h, http.MethodPost, "/api/v1/collections/raw/search", map[string]interface{}{
		"query": "first", "mode": "keyword",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("keyword search without keyword index: got %d, want 400", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/v1/collections", map[string]interface{}{"name": "docs"})
	do(t, h, http.MethodPost, "/api/v1/collections/docs/documents", map[string]interface{}{
		"documents": []map[string]interface{}{{"id": "d1", "content": "hello world"}},
	})

	w := do(t, h, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Collections []struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		} `json:"collections"`
		EstimatedSize  int64                  `json:"estimated_size"`
		DiskUsageBytes *int64                 `json:"disk_usage_bytes"`
		Config         map[string]interface{} `json:"config"`
	}
	decode(t, w, &out)
	if len(out.Collections) != 1 || out.Collections[0].Count != 1 {
		t.Errorf("collections: got %+v", out.Collections)
	}
	if out.EstimatedSize <= 0 {
		t.Errorf("estimated_size: got %d", out.EstimatedSize)
	}
	if out.DiskUsageBytes == nil || *out.DiskUsageBytes < 1 {
		t.Errorf("disk_usage_bytes: got %v", out.DiskUsageBytes)
	}
	if out.Config["storage_backend"] != config.BackendSQLite {
		t.Errorf("config: got %v", out.Config)
	}
}

func TestHandleWatchDirectories(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/docs"}}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	srv, _ := newTestServer(t, WithWatch(mock, configPath))
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/api/v1/watch/directories", nil)
	var out struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/docs" {
		t.Errorf("directories: got %v", out.Directories)
	}

	dir := t.TempDir()
	w = do(t, h, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": dir, "sync": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.dirs) != 2 {
		t.Errorf("mock dirs after add: %v", mock.dirs)
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config should be persisted: %v", err)
	}
	if len(saved.Watch.Directories) != 2 {
		t.Errorf("persisted directories: %v", saved.Watch.Directories)
	}

	w = do(t, h, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": filepath.Join(dir, "missing")})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing dir: got %d, want 404", w.Code)
	}
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	w = do(t, h, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": file})
	if w.Code != http.StatusBadRequest {
		t.Errorf("file path: got %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil)
	if w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.dirs) != 1 {
		t.Errorf("mock dirs after remove: %v", mock.dirs)
	}
}

func TestHandleWatchDirectories_NotEnabled(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}
