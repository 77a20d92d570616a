// Package models defines core data structures for collections, documents, queries, and search results.
package models

import "time"

// Collection is a named namespace of fixed-dimension vectors and their documents.
type Collection struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Dimensions     int       `json:"dimensions" db:"dimensions"`
	Metric         string    `json:"metric" db:"metric"`
	KeywordIndex   bool      `json:"keyword_index" db:"keyword_index"`
	Encrypted      bool      `json:"encrypted" db:"encrypted"`
	M              int       `json:"m,omitempty" db:"m"`
	EfConstruction int       `json:"ef_construction,omitempty" db:"ef_construction"`
	EfSearch       int       `json:"ef_search,omitempty" db:"ef_search"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Document represents a stored document with metadata. ID joins it 1:1 with
// a VectorRecord of the same collection.
type Document struct {
	ID           string                 `json:"id" db:"id"`
	CollectionID string                 `json:"collection_id" db:"collection_id"`
	Content      string                 `json:"content,omitempty" db:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy whose metadata map can be modified independently.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// VectorRecord is a vector stored under a document id.
type VectorRecord struct {
	ID           string    `json:"id" db:"id"`
	CollectionID string    `json:"collection_id" db:"collection_id"`
	Vector       []float32 `json:"vector" db:"-"`
}

// Entry pairs a document with its vector for atomic batch writes.
type Entry struct {
	Document *Document
	Vector   *VectorRecord
}

// DocumentInput is the input for adding a document to a collection.
type DocumentInput struct {
	ID       string                 `json:"id,omitempty"`
	Content  string                 `json:"content"`
	Vector   []float32              `json:"vector,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
