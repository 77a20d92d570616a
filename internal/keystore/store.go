package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// EntryStore persists keystore entries independently of collection data.
// Get returns ErrNotInitialized for an unknown database.
type EntryStore interface {
	Get(ctx context.Context, dbName string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, dbName string) error
}

// MemoryEntryStore keeps entries in a map.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryEntryStore returns an empty MemoryEntryStore.
func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string]Entry)}
}

func (m *MemoryEntryStore) Get(_ context.Context, dbName string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[dbName]
	if !ok {
		return nil, ErrNotInitialized
	}
	return &e, nil
}

func (m *MemoryEntryStore) Put(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.DBName] = *entry
	return nil
}

func (m *MemoryEntryStore) Delete(_ context.Context, dbName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[dbName]; !ok {
		return ErrNotInitialized
	}
	delete(m.entries, dbName)
	return nil
}

// SQLiteEntryStore keeps entries in a keystore table.
type SQLiteEntryStore struct {
	db *sql.DB
}

// OpenSQLiteEntryStore opens (or creates) the keystore database at path.
func OpenSQLiteEntryStore(ctx context.Context, path string) (*SQLiteEntryStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	_, err = db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS keystore (
		db_name TEXT PRIMARY KEY,
		salt BLOB NOT NULL,
		passphrase_hash BLOB NOT NULL,
		iterations INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize keystore schema: %w", err)
	}
	return &SQLiteEntryStore{db: db}, nil
}

func (s *SQLiteEntryStore) Get(ctx context.Context, dbName string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT db_name, salt, passphrase_hash, iterations, enabled, created_at, last_used_at
		 FROM keystore WHERE db_name = ?`, dbName,
	).Scan(&e.DBName, &e.Salt, &e.PassphraseHash, &e.Iterations, &e.Enabled, &e.CreatedAt, &e.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteEntryStore) Put(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keystore (db_name, salt, passphrase_hash, iterations, enabled, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(db_name) DO UPDATE SET salt = excluded.salt, passphrase_hash = excluded.passphrase_hash,
		   iterations = excluded.iterations, enabled = excluded.enabled, created_at = excluded.created_at,
		   last_used_at = excluded.last_used_at`,
		e.DBName, e.Salt, e.PassphraseHash, e.Iterations, e.Enabled, e.CreatedAt, e.LastUsedAt,
	)
	return err
}

func (s *SQLiteEntryStore) Delete(ctx context.Context, dbName string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM keystore WHERE db_name = ?`, dbName)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotInitialized
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteEntryStore) Close() error {
	return s.db.Close()
}
