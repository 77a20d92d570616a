package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hyperjump/kura/internal/models"
	"github.com/hyperjump/kura/internal/vector"
)

// Key prefixes. Collection-scoped keys are prefix + collectionID + 0x00 + id.
const (
	prefixCollection = "c/"
	prefixName       = "n/"
	prefixDocument   = "d/"
	prefixVector     = "v/"
	prefixIndex      = "i/"
)

// BadgerStorage implements Storage on a Badger key-value store. Records are
// msgpack encoded; vectors are raw little-endian float32 bytes.
type BadgerStorage struct {
	dir string

	mu sync.RWMutex
	db *badger.DB
}

var _ Storage = (*BadgerStorage)(nil)

// NewBadgerStorage returns a storage rooted at dir. An empty dir keeps the
// store in memory.
func NewBadgerStorage(dir string) *BadgerStorage {
	return &BadgerStorage{dir: dir}
}

func (s *BadgerStorage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(s.dir).WithLogger(nil)
	if s.dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return wrap(OpOpen, err)
	}
	s.db = db
	return nil
}

func (s *BadgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStorage) conn(ctx context.Context) (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, ctx.Err()
}

func scopedKey(prefix, collectionID, id string) []byte {
	key := make([]byte, 0, len(prefix)+len(collectionID)+1+len(id))
	key = append(key, prefix...)
	key = append(key, collectionID...)
	key = append(key, 0x00)
	key = append(key, id...)
	return key
}

func scopedPrefix(prefix, collectionID string) []byte {
	return scopedKey(prefix, collectionID, "")
}

func getMsgpack(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, out)
	})
}

func setMsgpack(txn *badger.Txn, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scan calls fn for every key under prefix. val is only valid inside fn.
func scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func loadCollection(txn *badger.Txn, id string) (*models.Collection, error) {
	var c models.Collection
	err := getMsgpack(txn, []byte(prefixCollection+id), &c)
	if err == badger.ErrKeyNotFound {
		return nil, notFound("collection", id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BadgerStorage) PutCollection(ctx context.Context, c *models.Collection) error {
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
	err = db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixName + c.Name))
		switch {
		case err == nil:
			var owner string
			if err := item.Value(func(val []byte) error { owner = string(val); return nil }); err != nil {
				return err
			}
			if owner != c.ID {
				return ErrCollectionExists
			}
		case err != badger.ErrKeyNotFound:
			return err
		}
		if old, err := loadCollection(txn, c.ID); err == nil && old.Name != c.Name {
			if err := txn.Delete([]byte(prefixName + old.Name)); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(prefixName+c.Name), []byte(c.ID)); err != nil {
			return err
		}
		return setMsgpack(txn, []byte(prefixCollection+c.ID), c)
	})
	return wrap(OpPutCollection, err)
}

func (s *BadgerStorage) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var c *models.Collection
	err = db.View(func(txn *badger.Txn) error {
		var err error
		c, err = loadCollection(txn, id)
		return err
	})
	return c, wrap(OpGetCollection, err)
}

func (s *BadgerStorage) GetCollectionByName(ctx context.Context, name string) (*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var c *models.Collection
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixName + name))
		if err == badger.ErrKeyNotFound {
			return notFound("collection", name)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = loadCollection(txn, string(id))
		return err
	})
	return c, wrap(OpGetCollection, err)
}

func (s *BadgerStorage) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	out := []*models.Collection{}
	err = db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(prefixCollection), func(_, val []byte) error {
			var c models.Collection
			if err := msgpack.Unmarshal(val, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, wrap(OpListCollections, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func deleteScoped(txn *badger.Txn, collectionID string) error {
	for _, p := range []string{prefixDocument, prefixVector, prefixIndex} {
		for _, key := range keysWithPrefix(txn, scopedPrefix(p, collectionID)) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BadgerStorage) DeleteCollection(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		c, err := loadCollection(txn, id)
		if err != nil {
			return err
		}
		if err := deleteScoped(txn, id); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixName + c.Name)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixCollection + id))
	})
	return wrap(OpDeleteColl, err)
}

func putDocument(txn *badger.Txn, doc *models.Document, now time.Time) error {
	key := scopedKey(prefixDocument, doc.CollectionID, doc.ID)
	var old models.Document
	err := getMsgpack(txn, key, &old)
	switch {
	case err == nil:
		doc.CreatedAt = old.CreatedAt
	case err == badger.ErrKeyNotFound:
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
	default:
		return err
	}
	doc.UpdatedAt = now
	return setMsgpack(txn, key, doc)
}

func (s *BadgerStorage) AddDocument(ctx context.Context, doc *models.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		if _, err := loadCollection(txn, doc.CollectionID); err != nil {
			return err
		}
		return putDocument(txn, doc, time.Now().UTC())
	})
	return wrap(OpAddDocument, err)
}

func (s *BadgerStorage) GetDocument(ctx context.Context, collectionID, id string) (*models.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var doc models.Document
	err = db.View(func(txn *badger.Txn) error {
		return getMsgpack(txn, scopedKey(prefixDocument, collectionID, id), &doc)
	})
	if err == badger.ErrKeyNotFound {
		return nil, notFound("document", id)
	}
	if err != nil {
		return nil, wrap(OpGetDocument, err)
	}
	return &doc, nil
}

func (s *BadgerStorage) deleteKey(ctx context.Context, op, kind, id string, key []byte) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return notFound(kind, id)
			}
			return err
		}
		return txn.Delete(key)
	})
	return wrap(op, err)
}

func (s *BadgerStorage) DeleteDocument(ctx context.Context, collectionID, id string) error {
	return s.deleteKey(ctx, OpDeleteDocument, "document", id, scopedKey(prefixDocument, collectionID, id))
}

func (s *BadgerStorage) GetAllDocuments(ctx context.Context, collectionID string) ([]*models.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	docs := []*models.Document{}
	err = db.View(func(txn *badger.Txn) error {
		return scan(txn, scopedPrefix(prefixDocument, collectionID), func(_, val []byte) error {
			var doc models.Document
			if err := msgpack.Unmarshal(val, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	if err != nil {
		return nil, wrap(OpGetAllDocuments, err)
	}
	return docs, nil
}

func (s *BadgerStorage) AddVector(ctx context.Context, v *models.VectorRecord) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if v == nil {
		return validateVector(v, 0)
	}
	err = db.Update(func(txn *badger.Txn) error {
		c, err := loadCollection(txn, v.CollectionID)
		if err != nil {
			return err
		}
		if err := validateVector(v, c.Dimensions); err != nil {
			return err
		}
		return txn.Set(scopedKey(prefixVector, v.CollectionID, v.ID), vector.EncodeFloat32s(v.Vector))
	})
	return wrap(OpAddVector, err)
}

func (s *BadgerStorage) GetVector(ctx context.Context, collectionID, id string) (*models.VectorRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec *models.VectorRecord
	err = db.View(func(txn *badger.Txn) error {
		c, err := loadCollection(txn, collectionID)
		if err != nil {
			return err
		}
		item, err := txn.Get(scopedKey(prefixVector, collectionID, id))
		if err == badger.ErrKeyNotFound {
			return notFound("vector", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeVector(collectionID, id, val, c.Dimensions)
			return err
		})
	})
	return rec, wrap(OpGetVector, err)
}

func (s *BadgerStorage) DeleteVector(ctx context.Context, collectionID, id string) error {
	return s.deleteKey(ctx, OpDeleteVector, "vector", id, scopedKey(prefixVector, collectionID, id))
}

func (s *BadgerStorage) GetAllVectors(ctx context.Context, collectionID string) ([]*models.VectorRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	prefix := scopedPrefix(prefixVector, collectionID)
	out := []*models.VectorRecord{}
	err = db.View(func(txn *badger.Txn) error {
		c, err := loadCollection(txn, collectionID)
		if err != nil {
			return err
		}
		return scan(txn, prefix, func(key, val []byte) error {
			rec, err := decodeVector(collectionID, string(key[len(prefix):]), val, c.Dimensions)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, wrap(OpGetAllVectors, err)
	}
	return out, nil
}

func (s *BadgerStorage) SaveIndex(ctx context.Context, collectionID, kind string, blob []byte) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		if _, err := loadCollection(txn, collectionID); err != nil {
			return err
		}
		return txn.Set(scopedKey(prefixIndex, collectionID, kind), blob)
	})
	return wrap(OpSaveIndex, err)
}

func (s *BadgerStorage) LoadIndex(ctx context.Context, collectionID, kind string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scopedKey(prefixIndex, collectionID, kind))
		if err == badger.ErrKeyNotFound {
			return notFound("index", collectionID+"/"+kind)
		}
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	return blob, wrap(OpLoadIndex, err)
}

func (s *BadgerStorage) DeleteIndex(ctx context.Context, collectionID, kind string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Delete(scopedKey(prefixIndex, collectionID, kind))
	})
	return wrap(OpDeleteIndex, err)
}

// AddMany writes the whole batch in a single Update. Very large batches can
// exceed Badger's transaction limits and fail with ErrTxnTooBig.
func (s *BadgerStorage) AddMany(ctx context.Context, entries []models.Entry) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		dims := make(map[string]int)
		dimsOf := func(collectionID string) (int, error) {
			if d, ok := dims[collectionID]; ok {
				return d, nil
			}
			c, err := loadCollection(txn, collectionID)
			if err != nil {
				return 0, err
			}
			dims[collectionID] = c.Dimensions
			return c.Dimensions, nil
		}
		for _, e := range entries {
			if e.Document != nil && e.Document.CollectionID != "" {
				if _, err := dimsOf(e.Document.CollectionID); err != nil {
					return err
				}
			}
		}
		if err := validateEntries(entries, dimsOf); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := putDocument(txn, e.Document, now); err != nil {
				return err
			}
			if e.Vector != nil {
				key := scopedKey(prefixVector, e.Vector.CollectionID, e.Vector.ID)
				if err := txn.Set(key, vector.EncodeFloat32s(e.Vector.Vector)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return wrap(OpAddMany, err)
}

func (s *BadgerStorage) DeleteMany(ctx context.Context, collectionID string, ids []string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(scopedKey(prefixDocument, collectionID, id)); err != nil {
				return err
			}
			if err := txn.Delete(scopedKey(prefixVector, collectionID, id)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(OpDeleteMany, err)
}

func (s *BadgerStorage) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrap(OpClear, db.DropAll())
}

func (s *BadgerStorage) ClearCollection(ctx context.Context, collectionID string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return deleteScoped(txn, collectionID)
	})
	return wrap(OpClear, err)
}

// EstimateSize returns the LSM tree plus value log size as reported by Badger.
func (s *BadgerStorage) EstimateSize(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	lsm, vlog := db.Size()
	return lsm + vlog, nil
}
