package coord

import (
	"context"
	"sync"
	"time"
)

// LeaderRecord is the shared leadership record.
type LeaderRecord struct {
	TabID     string
	Heartbeat time.Time
}

// Stale reports whether the record's heartbeat is older than staleAfter at now.
func (r LeaderRecord) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(r.Heartbeat) > staleAfter
}

// LeaderStore holds the single leadership record shared by all contexts.
// Claim and Release must be atomic compare-and-set operations.
type LeaderStore interface {
	// Claim writes {tabID, now} if there is no record, the record is stale,
	// or the record already belongs to tabID (a heartbeat refresh).
	Claim(ctx context.Context, tabID string, now time.Time, staleAfter time.Duration) (bool, error)
	// Release deletes the record only if it belongs to tabID.
	Release(ctx context.Context, tabID string) (bool, error)
	Current(ctx context.Context) (LeaderRecord, bool, error)
}

// MemoryLeaderStore is a LeaderStore shared by coordinators in one process.
type MemoryLeaderStore struct {
	mu     sync.Mutex
	record *LeaderRecord
}

// NewMemoryLeaderStore returns an empty MemoryLeaderStore.
func NewMemoryLeaderStore() *MemoryLeaderStore {
	return &MemoryLeaderStore{}
}

func (s *MemoryLeaderStore) Claim(_ context.Context, tabID string, now time.Time, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil && s.record.TabID != tabID && !s.record.Stale(now, staleAfter) {
		return false, nil
	}
	s.record = &LeaderRecord{TabID: tabID, Heartbeat: now}
	return true, nil
}

func (s *MemoryLeaderStore) Release(_ context.Context, tabID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil || s.record.TabID != tabID {
		return false, nil
	}
	s.record = nil
	return true, nil
}

func (s *MemoryLeaderStore) Current(context.Context) (LeaderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return LeaderRecord{}, false, nil
	}
	return *s.record, true, nil
}
