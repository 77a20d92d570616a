package database

import (
	"errors"

	"github.com/hyperjump/kura/internal/coord"
	"github.com/hyperjump/kura/internal/storage"
)

var (
	// ErrInvalidID is returned for empty, oversized or duplicate record ids.
	ErrInvalidID = errors.New("database: invalid id")
	// ErrInvalidCollection is returned for a malformed collection spec.
	ErrInvalidCollection = errors.New("database: invalid collection")
	// ErrCollectionNotFound is returned when no collection has the given name or id.
	ErrCollectionNotFound = errors.New("database: collection not found")
	// ErrIndexUnavailable is returned by searches on a collection whose
	// persisted index failed to load. Rebuild recovers it.
	ErrIndexUnavailable = errors.New("database: index unavailable")
	// ErrNoKeywordIndex is returned for keyword queries on a collection
	// created without a keyword index.
	ErrNoKeywordIndex = errors.New("database: collection has no keyword index")
	// ErrEncryptionUnavailable is returned for encrypted collections when the
	// database has no keystore.
	ErrEncryptionUnavailable = errors.New("database: encrypted collection requires a keystore")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("database: closed")
)

// IsRetryable reports whether err is transient: backend storage failures
// and lock timeouts. Validation, security and corruption errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, coord.ErrLockTimeout) {
		return true
	}
	return storage.IsRetryable(err)
}
