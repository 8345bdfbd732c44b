package chunkstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu     sync.Mutex
	record Record
}

// MemoryStore keeps transfer records in process memory. Suitable for a single receiver instance.
type MemoryStore struct {
	entries map[string]*memoryEntry
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]*memoryEntry{},
		now:     time.Now,
	}
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Begin ...
func (s *MemoryStore) Begin(_ context.Context, id string, init Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.record, false, nil
	}

	now := s.now()
	init.ID = id
	init.CreatedAt = now
	init.UpdatedAt = now
	s.entries[id] = &memoryEntry{record: init}

	return init, true, nil
}

// RecordChunk ...
func (s *MemoryStore) RecordChunk(_ context.Context, id string, chunk Chunk) (Result, error) {
	e, ok := s.entry(id)
	if !ok {
		return Result{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// the entry may have been evicted while waiting for its lock
	if current, ok := s.entry(id); !ok || current != e {
		return Result{}, ErrNotFound
	}

	return apply(&e.record, chunk, s.now())
}

// GetState ...
func (s *MemoryStore) GetState(_ context.Context, id string) (Record, error) {
	e, ok := s.entry(id)
	if !ok {
		return Record{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// Evict ...
func (s *MemoryStore) Evict(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// IsExpired ...
func (s *MemoryStore) IsExpired(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	record, err := s.GetState(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expired(record.UpdatedAt, ttl, s.now()), nil
}

// Reject ...
func (s *MemoryStore) Reject(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		now := s.now()
		e = &memoryEntry{record: Record{ID: id, CreatedAt: now, UpdatedAt: now}}
		s.entries[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.record.Rejected = true
	e.record.RejectReason = reason
	e.record.UpdatedAt = s.now()
	return nil
}

// ListExpired ...
func (s *MemoryStore) ListExpired(_ context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var ids []string
	for id, e := range s.entries {
		e.mu.Lock()
		if expired(e.record.UpdatedAt, ttl, now) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids, nil
}

// Len returns the number of tracked transfers.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close ...
func (s *MemoryStore) Close() error {
	return nil
}
