package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for storage operations.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrClosed           = errors.New("storage: closed")
	ErrInvalidID        = errors.New("storage: invalid id")
	ErrCollectionExists = errors.New("storage: collection name already exists")
	// ErrCorruptVector is returned when a stored vector's byte length does not
	// equal the collection's dimensions * 4.
	ErrCorruptVector = errors.New("storage: corrupt vector")
)

// Op names used for error context.
const (
	OpOpen            = "open"
	OpPutCollection   = "put_collection"
	OpGetCollection   = "get_collection"
	OpListCollections = "list_collections"
	OpDeleteColl      = "delete_collection"
	OpAddDocument     = "add_document"
	OpGetDocument     = "get_document"
	OpDeleteDocument  = "delete_document"
	OpGetAllDocuments = "get_all_documents"
	OpAddVector       = "add_vector"
	OpGetVector       = "get_vector"
	OpDeleteVector    = "delete_vector"
	OpGetAllVectors   = "get_all_vectors"
	OpSaveIndex       = "save_index"
	OpLoadIndex       = "load_index"
	OpDeleteIndex     = "delete_index"
	OpAddMany         = "add_many"
	OpDeleteMany      = "delete_many"
	OpClear           = "clear"
	OpEstimateSize    = "estimate_size"
)

// Error wraps a backend error with the operation name. Backend errors are
// considered retryable by the caller.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || isTyped(err) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// isTyped reports errors that already carry a storage meaning and must not
// be reported as retryable backend failures.
func isTyped(err error) bool {
	for _, target := range []error{ErrNotFound, ErrClosed, ErrInvalidID, ErrCollectionExists, ErrCorruptVector} {
		if errors.Is(err, target) {
			return true
		}
	}
	var dm *DimensionError
	return errors.As(err, &dm)
}

// DimensionError is returned when a vector does not match its collection's dimensions.
type DimensionError struct {
	CollectionID string
	Expected     int
	Actual       int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("storage: collection %s expects %d dimensions, got %d", e.CollectionID, e.Expected, e.Actual)
}

// IsRetryable reports whether err is a backend failure the caller may retry.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
