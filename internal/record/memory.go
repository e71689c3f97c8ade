package record

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is the in-memory Store backend.
//
// Thread-safety: RWMutex; reads from request handlers do not block each
// other. Records are copied on read so callers cannot mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]ConfirmedRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]ConfirmedRecord)}
}

// Commit stores a confirmed record, failing with AlreadyExistsError if the
// entity id is already present.
func (s *MemoryStore) Commit(_ context.Context, rec ConfirmedRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.EntityID]; ok {
		cp := existing
		cp.Payload = maps.Clone(existing.Payload)
		return &AlreadyExistsError{Existing: &cp}
	}

	rec.Payload = maps.Clone(rec.Payload)
	s.records[rec.EntityID] = rec
	return nil
}

// Get returns the confirmed record for an entity id, or (nil, nil) if none.
func (s *MemoryStore) Get(_ context.Context, entityID int64) (*ConfirmedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[entityID]
	if !ok {
		return nil, nil
	}
	rec.Payload = maps.Clone(rec.Payload)
	return &rec, nil
}

// Len returns the number of confirmed records.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
