package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrEmptyID is returned when inserting a vector without an id.
	ErrEmptyID = errors.New("vector id must not be empty")
	// ErrCorruptIndex is returned when a serialized index cannot be decoded.
	ErrCorruptIndex = errors.New("corrupt vector index")
	// ErrIncompatibleVersion is returned for blobs written by an unknown format version.
	ErrIncompatibleVersion = errors.New("incompatible vector index version")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}
