package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/vector"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage returns a storage for the database at dbPath. Nothing is
// touched on disk until Open.
func NewSQLiteStorage(dbPath string) *SQLiteStorage {
	return &SQLiteStorage{path: dbPath}
}

// Open creates parent directories, opens the database in WAL mode and
// initializes the schema.
func (s *SQLiteStorage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." && s.path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wrap(OpOpen, fmt.Errorf("failed to create database directory: %w", err))
		}
	}
	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return wrap(OpOpen, fmt.Errorf("failed to open database: %w", err))
	}
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return wrap(OpOpen, fmt.Errorf("failed to enable WAL: %w", err))
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return wrap(OpOpen, fmt.Errorf("failed to initialize schema: %w", err))
	}
	s.db = db
	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		dimensions INTEGER NOT NULL,
		metric TEXT NOT NULL,
		keyword_index INTEGER NOT NULL DEFAULT 0,
		encrypted INTEGER NOT NULL DEFAULT 0,
		m INTEGER NOT NULL DEFAULT 0,
		ef_construction INTEGER NOT NULL DEFAULT 0,
		ef_search INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		collection_id TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection_id, id),
		FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS vectors (
		collection_id TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (collection_id, id),
		FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS indexes (
		collection_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection_id, kind),
		FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStorage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, ctx.Err()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStorage) PutCollection(ctx context.Context, c *models.Collection) error {
	if err := validateCollection(c); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO collections (id, name, dimensions, metric, keyword_index, encrypted, m, ef_construction, ef_search, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, dimensions = excluded.dimensions,
		   metric = excluded.metric, keyword_index = excluded.keyword_index, encrypted = excluded.encrypted,
		   m = excluded.m, ef_construction = excluded.ef_construction, ef_search = excluded.ef_search`,
		c.ID, c.Name, c.Dimensions, c.Metric, c.KeywordIndex, c.Encrypted, c.M, c.EfConstruction, c.EfSearch, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrCollectionExists
	}
	return wrap(OpPutCollection, err)
}

const collectionColumns = `id, name, dimensions, metric, keyword_index, encrypted, m, ef_construction, ef_search, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*models.Collection, error) {
	var c models.Collection
	err := row.Scan(&c.ID, &c.Name, &c.Dimensions, &c.Metric, &c.KeywordIndex, &c.Encrypted,
		&c.M, &c.EfConstruction, &c.EfSearch, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStorage) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	c, err := scanCollection(db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("collection", id)
	}
	return c, wrap(OpGetCollection, err)
}

func (s *SQLiteStorage) GetCollectionByName(ctx context.Context, name string) (*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	c, err := scanCollection(db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, notFound("collection", name)
	}
	return c, wrap(OpGetCollection, err)
}

func (s *SQLiteStorage) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY name`)
	if err != nil {
		return nil, wrap(OpListCollections, err)
	}
	defer rows.Close()

	out := []*models.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, wrap(OpListCollections, err)
		}
		out = append(out, c)
	}
	return out, wrap(OpListCollections, rows.Err())
}

// DeleteCollection relies on ON DELETE CASCADE for documents, vectors and indexes.
func (s *SQLiteStorage) DeleteCollection(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return wrap(OpDeleteColl, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("collection", id)
	}
	return nil
}

func (s *SQLiteStorage) dims(ctx context.Context, q queryer, collectionID string) (int, error) {
	var dims int
	err := q.QueryRowContext(ctx, `SELECT dimensions FROM collections WHERE id = ?`, collectionID).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, notFound("collection", collectionID)
	}
	return dims, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertDocument(ctx context.Context, q queryer, doc *models.Document, now time.Time) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	var created time.Time
	err = q.QueryRowContext(ctx, `SELECT created_at FROM documents WHERE collection_id = ? AND id = ?`,
		doc.CollectionID, doc.ID).Scan(&created)
	switch {
	case err == nil:
		doc.CreatedAt = created
	case err == sql.ErrNoRows:
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
	default:
		return err
	}
	doc.UpdatedAt = now
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (collection_id, id, content, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection_id, id) DO UPDATE SET content = excluded.content,
		   metadata = excluded.metadata, updated_at = excluded.updated_at`,
		doc.CollectionID, doc.ID, doc.Content, string(metadataJSON), doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

func upsertVector(ctx context.Context, q queryer, v *models.VectorRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO vectors (collection_id, id, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection_id, id) DO UPDATE SET data = excluded.data`,
		v.CollectionID, v.ID, vector.EncodeFloat32s(v.Vector),
	)
	return err
}

// AddDocument inserts or replaces a document. An existing document keeps its
// CreatedAt.
func (s *SQLiteStorage) AddDocument(ctx context.Context, doc *models.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(OpAddDocument, err)
	}
	defer tx.Rollback()

	if _, err := s.dims(ctx, tx, doc.CollectionID); err != nil {
		return wrap(OpAddDocument, err)
	}
	if err := upsertDocument(ctx, tx, doc, time.Now().UTC()); err != nil {
		return wrap(OpAddDocument, err)
	}
	return wrap(OpAddDocument, tx.Commit())
}

const documentColumns = `id, collection_id, content, metadata, created_at, updated_at`

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var metadataJSON sql.NullString
	if err := row.Scan(&doc.ID, &doc.CollectionID, &doc.Content, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, collectionID, id string) (*models.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := scanDocument(db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection_id = ? AND id = ?`, collectionID, id))
	if err == sql.ErrNoRows {
		return nil, notFound("document", id)
	}
	return doc, wrap(OpGetDocument, err)
}

// DeleteDocument removes a document by ID. The vector under the same id is left alone.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, collectionID, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `DELETE FROM documents WHERE collection_id = ? AND id = ?`, collectionID, id)
	if err != nil {
		return wrap(OpDeleteDocument, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("document", id)
	}
	return nil
}

func (s *SQLiteStorage) GetAllDocuments(ctx context.Context, collectionID string) ([]*models.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE collection_id = ? ORDER BY id`, collectionID)
	if err != nil {
		return nil, wrap(OpGetAllDocuments, err)
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, wrap(OpGetAllDocuments, err)
		}
		docs = append(docs, doc)
	}
	return docs, wrap(OpGetAllDocuments, rows.Err())
}

func (s *SQLiteStorage) AddVector(ctx context.Context, v *models.VectorRecord) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		return validateVector(v, 0)
	}
	dims, err := s.dims(ctx, db, v.CollectionID)
	if err != nil {
		return wrap(OpAddVector, err)
	}
	if err := validateVector(v, dims); err != nil {
		return err
	}
	return wrap(OpAddVector, upsertVector(ctx, db, v))
}

func (s *SQLiteStorage) GetVector(ctx context.Context, collectionID, id string) (*models.VectorRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	dims, err := s.dims(ctx, db, collectionID)
	if err != nil {
		return nil, wrap(OpGetVector, err)
	}
	var data []byte
	err = db.QueryRowContext(ctx, `SELECT data FROM vectors WHERE collection_id = ? AND id = ?`,
		collectionID, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound("vector", id)
	}
	if err != nil {
		return nil, wrap(OpGetVector, err)
	}
	return decodeVector(collectionID, id, data, dims)
}

func (s *SQLiteStorage) DeleteVector(ctx context.Context, collectionID, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `DELETE FROM vectors WHERE collection_id = ? AND id = ?`, collectionID, id)
	if err != nil {
		return wrap(OpDeleteVector, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("vector", id)
	}
	return nil
}

func (s *SQLiteStorage) GetAllVectors(ctx context.Context, collectionID string) ([]*models.VectorRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	dims, err := s.dims(ctx, db, collectionID)
	if err != nil {
		return nil, wrap(OpGetAllVectors, err)
	}
	rows, err := db.QueryContext(ctx, `SELECT id, data FROM vectors WHERE collection_id = ? ORDER BY id`, collectionID)
	if err != nil {
		return nil, wrap(OpGetAllVectors, err)
	}
	defer rows.Close()

	out := []*models.VectorRecord{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, wrap(OpGetAllVectors, err)
		}
		rec, err := decodeVector(collectionID, id, data, dims)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, wrap(OpGetAllVectors, rows.Err())
}

func (s *SQLiteStorage) SaveIndex(ctx context.Context, collectionID, kind string, blob []byte) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := s.dims(ctx, db, collectionID); err != nil {
		return wrap(OpSaveIndex, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO indexes (collection_id, kind, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collectionID, kind, blob, time.Now().UTC(),
	)
	return wrap(OpSaveIndex, err)
}

func (s *SQLiteStorage) LoadIndex(ctx context.Context, collectionID, kind string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = db.QueryRowContext(ctx, `SELECT data FROM indexes WHERE collection_id = ? AND kind = ?`,
		collectionID, kind).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound("index", collectionID+"/"+kind)
	}
	return data, wrap(OpLoadIndex, err)
}

func (s *SQLiteStorage) DeleteIndex(ctx context.Context, collectionID, kind string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM indexes WHERE collection_id = ? AND kind = ?`, collectionID, kind)
	return wrap(OpDeleteIndex, err)
}

// AddMany writes all documents and vectors in one transaction.
func (s *SQLiteStorage) AddMany(ctx context.Context, entries []models.Entry) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(OpAddMany, err)
	}
	defer tx.Rollback()

	dims := make(map[string]int)
	dimsOf := func(collectionID string) (int, error) {
		if d, ok := dims[collectionID]; ok {
			return d, nil
		}
		d, err := s.dims(ctx, tx, collectionID)
		if err != nil {
			return 0, err
		}
		dims[collectionID] = d
		return d, nil
	}
	for _, e := range entries {
		if e.Document != nil && e.Document.CollectionID != "" {
			if _, err := dimsOf(e.Document.CollectionID); err != nil {
				return wrap(OpAddMany, err)
			}
		}
	}
	if err := validateEntries(entries, dimsOf); err != nil {
		return wrap(OpAddMany, err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := upsertDocument(ctx, tx, e.Document, now); err != nil {
			return wrap(OpAddMany, err)
		}
		if e.Vector != nil {
			if err := upsertVector(ctx, tx, e.Vector); err != nil {
				return wrap(OpAddMany, err)
			}
		}
	}
	return wrap(OpAddMany, tx.Commit())
}

// DeleteMany removes documents and vectors for ids in one transaction.
func (s *SQLiteStorage) DeleteMany(ctx context.Context, collectionID string, ids []string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(OpDeleteMany, err)
	}
	defer tx.Rollback()

	delDoc, err := tx.PrepareContext(ctx, `DELETE FROM documents WHERE collection_id = ? AND id = ?`)
	if err != nil {
		return wrap(OpDeleteMany, err)
	}
	defer delDoc.Close()
	delVec, err := tx.PrepareContext(ctx, `DELETE FROM vectors WHERE collection_id = ? AND id = ?`)
	if err != nil {
		return wrap(OpDeleteMany, err)
	}
	defer delVec.Close()

	for _, id := range ids {
		if _, err := delDoc.ExecContext(ctx, collectionID, id); err != nil {
			return wrap(OpDeleteMany, err)
		}
		if _, err := delVec.ExecContext(ctx, collectionID, id); err != nil {
			return wrap(OpDeleteMany, err)
		}
	}
	return wrap(OpDeleteMany, tx.Commit())
}

func (s *SQLiteStorage) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM indexes; DELETE FROM vectors; DELETE FROM documents; DELETE FROM collections;`)
	return wrap(OpClear, err)
}

func (s *SQLiteStorage) ClearCollection(ctx context.Context, collectionID string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(OpClear, err)
	}
	defer tx.Rollback()
	for _, table := range []string{"indexes", "vectors", "documents"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE collection_id = ?`, collectionID); err != nil {
			return wrap(OpClear, err)
		}
	}
	return wrap(OpClear, tx.Commit())
}

// EstimateSize reports the on-disk size of the database and its WAL files.
func (s *SQLiteStorage) EstimateSize(ctx context.Context) (int64, error) {
	if _, err := s.conn(ctx); err != nil {
		return 0, err
	}
	if s.path == ":memory:" {
		return 0, nil
	}
	n, err := DiskUsageBytes(s.path, s.path+"-wal", s.path+"-shm")
	return n, wrap(OpEstimateSize, err)
}
