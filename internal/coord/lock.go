package coord

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrLockTimeout is returned when a lock is not granted within the timeout.
	ErrLockTimeout = errors.New("coord: lock timeout")
	// ErrLockUnavailable is returned by TryLock when the lock is held.
	ErrLockUnavailable = errors.New("coord: lock unavailable")
)

// LockMode selects shared or exclusive access.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// LockProvider grants named advisory locks. Release functions are idempotent.
type LockProvider interface {
	Acquire(ctx context.Context, name string, mode LockMode) (release func(), err error)
	TryAcquire(name string, mode LockMode) (release func(), ok bool)
}

// maxReaders bounds concurrent shared holders of one lock.
const maxReaders = 1 << 20

// MemoryLockProvider implements reader/writer locks on weighted semaphores.
// A shared hold takes weight 1, an exclusive hold takes all of it. Waiters
// are served in order, so a queued writer is not starved by later readers.
type MemoryLockProvider struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewMemoryLockProvider returns an empty MemoryLockProvider.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{locks: make(map[string]*semaphore.Weighted)}
}

func (p *MemoryLockProvider) sem(name string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.locks[name]
	if !ok {
		s = semaphore.NewWeighted(maxReaders)
		p.locks[name] = s
	}
	return s
}

func weight(mode LockMode) int64 {
	if mode == Exclusive {
		return maxReaders
	}
	return 1
}

func releaser(s *semaphore.Weighted, n int64) func() {
	var once sync.Once
	return func() { once.Do(func() { s.Release(n) }) }
}

func (p *MemoryLockProvider) Acquire(ctx context.Context, name string, mode LockMode) (func(), error) {
	s, n := p.sem(name), weight(mode)
	if err := s.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return releaser(s, n), nil
}

func (p *MemoryLockProvider) TryAcquire(name string, mode LockMode) (func(), bool) {
	s, n := p.sem(name), weight(mode)
	if !s.TryAcquire(n) {
		return nil, false
	}
	return releaser(s, n), true
}
