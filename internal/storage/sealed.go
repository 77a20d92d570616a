package storage

import (
	"context"
	"fmt"
)

// Sealer encrypts and decrypts opaque blobs. The keystore implements it.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Sealed wraps a Storage so that index blobs of encrypted collections are
// sealed on save and opened on load. Other collections pass through.
//
// Only the HNSW and BM25 blobs are encrypted. Document content, metadata and
// raw vectors of an encrypted collection are stored as plaintext by the
// underlying backend; database.Collection refuses to read or write them while
// the keystore is locked, but that gate is not encryption at rest.
type Sealed struct {
	Storage
	sealer Sealer
}

// NewSealed returns store with index blob encryption applied through sealer.
func NewSealed(store Storage, sealer Sealer) *Sealed {
	return &Sealed{Storage: store, sealer: sealer}
}

func (s *Sealed) encrypted(ctx context.Context, collectionID string) (bool, error) {
	c, err := s.Storage.GetCollection(ctx, collectionID)
	if err != nil {
		return false, err
	}
	return c.Encrypted, nil
}

func (s *Sealed) SaveIndex(ctx context.Context, collectionID, kind string, blob []byte) error {
	enc, err := s.encrypted(ctx, collectionID)
	if err != nil {
		return err
	}
	if enc {
		if blob, err = s.sealer.Seal(blob); err != nil {
			return fmt.Errorf("seal %s index for %s: %w", kind, collectionID, err)
		}
	}
	return s.Storage.SaveIndex(ctx, collectionID, kind, blob)
}

func (s *Sealed) LoadIndex(ctx context.Context, collectionID, kind string) ([]byte, error) {
	blob, err := s.Storage.LoadIndex(ctx, collectionID, kind)
	if err != nil {
		return nil, err
	}
	enc, err := s.encrypted(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if !enc {
		return blob, nil
	}
	plain, err := s.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("open %s index for %s: %w", kind, collectionID, err)
	}
	return plain, nil
}
