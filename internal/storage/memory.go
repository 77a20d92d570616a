package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/vector"
)

// MemoryStorage keeps everything in process memory. Vectors are held as
// encoded bytes so reads go through the same decode path as durable backends.
type MemoryStorage struct {
	mu      sync.RWMutex
	open    bool
	colls   map[string]*models.Collection
	docs    map[string]map[string]*models.Document
	vectors map[string]map[string][]byte
	indexes map[string]map[string][]byte
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an unopened in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	s.colls = make(map[string]*models.Collection)
	s.docs = make(map[string]map[string]*models.Document)
	s.vectors = make(map[string]map[string][]byte)
	s.indexes = make(map[string]map[string][]byte)
	s.open = true
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.colls, s.docs, s.vectors, s.indexes = nil, nil, nil, nil
	return nil
}

func (s *MemoryStorage) check(ctx context.Context) error {
	if !s.open {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStorage) PutCollection(ctx context.Context, c *models.Collection) error {
	if err := validateCollection(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for id, existing := range s.colls {
		if existing.Name == c.Name && id != c.ID {
			return ErrCollectionExists
		}
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	c.CreatedAt = cp.CreatedAt
	s.colls[c.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	c, ok := s.colls[id]
	if !ok {
		return nil, notFound("collection", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStorage) GetCollectionByName(ctx context.Context, name string) (*models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	for _, c := range s.colls {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, notFound("collection", name)
}

func (s *MemoryStorage) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.Collection, 0, len(s.colls))
	for _, c := range s.colls {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStorage) DeleteCollection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.colls[id]; !ok {
		return notFound("collection", id)
	}
	delete(s.colls, id)
	delete(s.docs, id)
	delete(s.vectors, id)
	delete(s.indexes, id)
	return nil
}

func (s *MemoryStorage) dims(collectionID string) (int, error) {
	c, ok := s.colls[collectionID]
	if !ok {
		return 0, notFound("collection", collectionID)
	}
	return c.Dimensions, nil
}

func (s *MemoryStorage) putDocLocked(d *models.Document, now time.Time) {
	docs := s.docs[d.CollectionID]
	if docs == nil {
		docs = make(map[string]*models.Document)
		s.docs[d.CollectionID] = docs
	}
	if old, ok := docs[d.ID]; ok {
		d.CreatedAt = old.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	docs[d.ID] = d.Clone()
}

func (s *MemoryStorage) putVectorLocked(v *models.VectorRecord) {
	vecs := s.vectors[v.CollectionID]
	if vecs == nil {
		vecs = make(map[string][]byte)
		s.vectors[v.CollectionID] = vecs
	}
	vecs[v.ID] = vector.EncodeFloat32s(v.Vector)
}

func (s *MemoryStorage) AddDocument(ctx context.Context, doc *models.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.dims(doc.CollectionID); err != nil {
		return err
	}
	s.putDocLocked(doc, time.Now().UTC())
	return nil
}

func (s *MemoryStorage) GetDocument(ctx context.Context, collectionID, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	d, ok := s.docs[collectionID][id]
	if !ok {
		return nil, notFound("document", id)
	}
	return d.Clone(), nil
}

func (s *MemoryStorage) DeleteDocument(ctx context.Context, collectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.docs[collectionID][id]; !ok {
		return notFound("document", id)
	}
	delete(s.docs[collectionID], id)
	return nil
}

func (s *MemoryStorage) GetAllDocuments(ctx context.Context, collectionID string) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.Document, 0, len(s.docs[collectionID]))
	for _, d := range s.docs[collectionID] {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) AddVector(ctx context.Context, v *models.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if v == nil {
		return validateVector(v, 0)
	}
	dims, err := s.dims(v.CollectionID)
	if err != nil {
		return err
	}
	if err := validateVector(v, dims); err != nil {
		return err
	}
	s.putVectorLocked(v)
	return nil
}

func (s *MemoryStorage) GetVector(ctx context.Context, collectionID, id string) (*models.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	data, ok := s.vectors[collectionID][id]
	if !ok {
		return nil, notFound("vector", id)
	}
	dims, err := s.dims(collectionID)
	if err != nil {
		return nil, err
	}
	return decodeVector(collectionID, id, data, dims)
}

func (s *MemoryStorage) DeleteVector(ctx context.Context, collectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.vectors[collectionID][id]; !ok {
		return notFound("vector", id)
	}
	delete(s.vectors[collectionID], id)
	return nil
}

func (s *MemoryStorage) GetAllVectors(ctx context.Context, collectionID string) ([]*models.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	dims, err := s.dims(collectionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.VectorRecord, 0, len(s.vectors[collectionID]))
	for id, data := range s.vectors[collectionID] {
		rec, err := decodeVector(collectionID, id, data, dims)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) SaveIndex(ctx context.Context, collectionID, kind string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.dims(collectionID); err != nil {
		return err
	}
	idx := s.indexes[collectionID]
	if idx == nil {
		idx = make(map[string][]byte)
		s.indexes[collectionID] = idx
	}
	idx[kind] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStorage) LoadIndex(ctx context.Context, collectionID, kind string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	blob, ok := s.indexes[collectionID][kind]
	if !ok {
		return nil, notFound("index", collectionID+"/"+kind)
	}
	return append([]byte(nil), blob...), nil
}

func (s *MemoryStorage) DeleteIndex(ctx context.Context, collectionID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.indexes[collectionID], kind)
	return nil
}

// AddMany validates the whole batch before touching any map, so a failing
// entry leaves storage unchanged.
func (s *MemoryStorage) AddMany(ctx context.Context, entries []models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Document != nil && e.Document.CollectionID != "" {
			if _, err := s.dims(e.Document.CollectionID); err != nil {
				return err
			}
		}
	}
	if err := validateEntries(entries, s.dims); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		s.putDocLocked(e.Document, now)
		if e.Vector != nil {
			s.putVectorLocked(e.Vector)
		}
	}
	return nil
}

func (s *MemoryStorage) DeleteMany(ctx context.Context, collectionID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.docs[collectionID], id)
		delete(s.vectors[collectionID], id)
	}
	return nil
}

func (s *MemoryStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.colls = make(map[string]*models.Collection)
	s.docs = make(map[string]map[string]*models.Document)
	s.vectors = make(map[string]map[string][]byte)
	s.indexes = make(map[string]map[string][]byte)
	return nil
}

// ClearCollection removes documents, vectors and index blobs but keeps the
// collection itself.
func (s *MemoryStorage) ClearCollection(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.docs, collectionID)
	delete(s.vectors, collectionID)
	delete(s.indexes, collectionID)
	return nil
}

// EstimateSize sums the bytes of stored content, vectors and index blobs.
func (s *MemoryStorage) EstimateSize(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, docs := range s.docs {
		for _, d := range docs {
			total += int64(len(d.ID) + len(d.Content))
		}
	}
	for _, vecs := range s.vectors {
		for id, v := range vecs {
			total += int64(len(id) + len(v))
		}
	}
	for _, idx := range s.indexes {
		for _, b := range idx {
			total += int64(len(b))
		}
	}
	return total, nil
}
