package memory

import (
	"context"
	"sync"
)

// CounterStorage keeps aura counters in process memory.
type CounterStorage struct {
	mux      sync.RWMutex
	counters map[string]int64
}

func NewCounterStorage() *CounterStorage {
	return &CounterStorage{counters: make(map[string]int64)}
}

func (s *CounterStorage) Add(ctx context.Context, itemID string, n int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.counters[itemID] += n
	return nil
}

// Get returns 0 for an item that was never incremented.
func (s *CounterStorage) Get(ctx context.Context, itemID string) (int64, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return s.counters[itemID], nil
}
