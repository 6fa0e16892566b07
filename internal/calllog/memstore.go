package calllog

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/internal/relay"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store] holding the most recent
// calls. Once the limit is reached the oldest record is evicted.
type MemStore struct {
	mu    sync.RWMutex
	limit int
	calls []relay.Summary
}

// NewMemStore returns a [MemStore] keeping at most limit calls. A limit of
// zero or less keeps every call.
func NewMemStore(limit int) *MemStore {
	return &MemStore{limit: limit}
}

// RecordCall implements [relay.Recorder].
func (s *MemStore) RecordCall(_ context.Context, sum relay.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sum)
	if s.limit > 0 && len(s.calls) > s.limit {
		s.calls = slices.Delete(s.calls, 0, len(s.calls)-s.limit)
	}
	return nil
}

// Recent implements [Store.Recent].
func (s *MemStore) Recent(_ context.Context, limit int) ([]relay.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.calls)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]relay.Summary, 0, n)
	for i := len(s.calls) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.calls[i])
	}
	return out, nil
}

// Len returns the number of calls held.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}
