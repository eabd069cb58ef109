package store

import (
	"context"
	"sync"

	"github.com/peerline/peerline/internal/record"
)

// MemoryStore is an in-memory RecordStore for clients running without a data
// directory and for tests. Same semantics as SQLiteStore minus durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]record.Call
	watch   *watchers
}

var _ RecordStore = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record.Call),
		watch:   newWatchers(),
	}
}

func (s *MemoryStore) Write(_ context.Context, c record.Call) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[c.ID] = c
	s.mu.Unlock()
	s.watch.notify(c)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, callID string) (record.Call, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[callID]
	return c, ok, nil
}

func (s *MemoryStore) LatestActive(_ context.Context, userID string) (record.Call, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best record.Call
	found := false
	for _, c := range s.records {
		if c.Status.Terminal() {
			continue
		}
		if c.CallerID != userID && c.ReceiverID != userID {
			continue
		}
		if !found || c.Timestamp > best.Timestamp {
			best = c
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) Subscribe(pred func(record.Call) bool, fn func(record.Call)) func() {
	return s.watch.add(pred, fn)
}

func (s *MemoryStore) Close() error { return nil }
