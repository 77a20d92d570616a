package search

import (
	"context"
	"iter"
	"sync"
)

// PageFunc returns up to limit results starting at offset. A short page
// ends the stream.
type PageFunc func(ctx context.Context, offset, limit int) ([]Result, error)

// DefaultPageSize is the page size used when none is given.
const DefaultPageSize = 100

// Stream is a pull iterator over search results. It is safe for use by one
// goroutine at a time; Close may be called from any goroutine.
type Stream struct {
	mu       sync.Mutex
	buf      []Result
	page     PageFunc
	pageSize int
	offset   int
	done     bool
	closed   bool
}

// NewSliceStream streams an already computed result list.
func NewSliceStream(results []Result) *Stream {
	buf := make([]Result, len(results))
	copy(buf, results)
	return &Stream{buf: buf, done: true}
}

// NewPagedStream fetches results lazily, pageSize at a time.
func NewPagedStream(page PageFunc, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{page: page, pageSize: pageSize}
}

// Next returns the next result. ok is false once the stream is exhausted or
// closed. ctx is checked on every call.
func (s *Stream) Next(ctx context.Context) (Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, false, nil
	}
	if len(s.buf) == 0 && !s.done {
		page, err := s.page(ctx, s.offset, s.pageSize)
		if err != nil {
			return Result{}, false, err
		}
		s.offset += len(page)
		if len(page) < s.pageSize {
			s.done = true
		}
		s.buf = page
	}
	if len(s.buf) == 0 {
		return Result{}, false, nil
	}
	r := s.buf[0]
	s.buf = s.buf[1:]
	return r, true, nil
}

// Close releases buffered results. Further calls to Next report exhaustion.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
}

// All adapts the stream to a range-over-func sequence. Iteration stops at
// the first error, which is yielded once.
func (s *Stream) All(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for {
			r, ok, err := s.Next(ctx)
			if err != nil {
				yield(Result{}, err)
				return
			}
			if !ok || !yield(r, nil) {
				return
			}
		}
	}
}

// Collect drains the stream into a slice.
func (s *Stream) Collect(ctx context.Context) ([]Result, error) {
	var out []Result
	for r, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
