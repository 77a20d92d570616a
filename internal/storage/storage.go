// Package storage defines the persistence interface for collections, documents,
// vectors and serialized index blobs, with memory, SQLite and Badger backends.
// Sealed adds encryption of index blobs only; records are stored in plaintext.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/vector"
)

// Index blob kinds.
const (
	IndexHNSW = "hnsw"
	IndexBM25 = "bm25"
)

// Storage persists documents, vectors and index blobs. Documents and vectors
// are independent: deleting one never cascades to the other, except through
// DeleteMany which removes both atomically.
type Storage interface {
	Open(ctx context.Context) error
	Close() error

	// Collection operations
	PutCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*models.Collection, error)
	ListCollections(ctx context.Context) ([]*models.Collection, error)
	// DeleteCollection removes the collection and every record it owns.
	DeleteCollection(ctx context.Context, id string) error

	// Document operations
	AddDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, collectionID, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, collectionID, id string) error
	GetAllDocuments(ctx context.Context, collectionID string) ([]*models.Document, error)

	// Vector operations
	AddVector(ctx context.Context, v *models.VectorRecord) error
	GetVector(ctx context.Context, collectionID, id string) (*models.VectorRecord, error)
	DeleteVector(ctx context.Context, collectionID, id string) error
	GetAllVectors(ctx context.Context, collectionID string) ([]*models.VectorRecord, error)

	// Index blob operations
	SaveIndex(ctx context.Context, collectionID, kind string, blob []byte) error
	LoadIndex(ctx context.Context, collectionID, kind string) ([]byte, error)
	DeleteIndex(ctx context.Context, collectionID, kind string) error

	// Batch operations. Either every document and vector of the batch is
	// written (or removed) or none is.
	AddMany(ctx context.Context, entries []models.Entry) error
	DeleteMany(ctx context.Context, collectionID string, ids []string) error

	Clear(ctx context.Context) error
	ClearCollection(ctx context.Context, collectionID string) error
	EstimateSize(ctx context.Context) (int64, error)
}

func validateCollection(c *models.Collection) error {
	if c == nil || c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: collection requires id and name", ErrInvalidID)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("collection %s: dimensions must be positive, got %d", c.Name, c.Dimensions)
	}
	return nil
}

func validateDocument(d *models.Document) error {
	if d == nil || d.ID == "" || d.CollectionID == "" {
		return fmt.Errorf("%w: document requires id and collection", ErrInvalidID)
	}
	return nil
}

func validateVector(v *models.VectorRecord, dims int) error {
	if v == nil || v.ID == "" || v.CollectionID == "" {
		return fmt.Errorf("%w: vector requires id and collection", ErrInvalidID)
	}
	if len(v.Vector) != dims {
		return &DimensionError{CollectionID: v.CollectionID, Expected: dims, Actual: len(v.Vector)}
	}
	return nil
}

func validateEntries(entries []models.Entry, dimsOf func(collectionID string) (int, error)) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if err := validateDocument(e.Document); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		key := e.Document.CollectionID + "\x00" + e.Document.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("entry %d: %w: duplicate id %s in batch", i, ErrInvalidID, e.Document.ID)
		}
		seen[key] = struct{}{}
		if e.Vector == nil {
			continue
		}
		if e.Vector.ID != e.Document.ID || e.Vector.CollectionID != e.Document.CollectionID {
			return fmt.Errorf("entry %d: %w: vector %s/%s does not match document %s/%s", i, ErrInvalidID,
				e.Vector.CollectionID, e.Vector.ID, e.Document.CollectionID, e.Document.ID)
		}
		dims, err := dimsOf(e.Vector.CollectionID)
		if err != nil {
			return err
		}
		if err := validateVector(e.Vector, dims); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

// decodeVector rehydrates stored bytes; a length that is not dims*4 is corruption.
func decodeVector(collectionID, id string, data []byte, dims int) (*models.VectorRecord, error) {
	vec, err := vector.DecodeFloat32s(data, dims)
	if err != nil {
		var dm *vector.ErrDimensionMismatch
		if errors.As(err, &dm) {
			return nil, fmt.Errorf("%w: %s/%s has %d bytes, want %d", ErrCorruptVector, collectionID, id, len(data), dims*4)
		}
		return nil, err
	}
	return &models.VectorRecord{ID: id, CollectionID: collectionID, Vector: vec}, nil
}
