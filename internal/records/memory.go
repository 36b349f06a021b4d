package records

import (
	"context"
	"sync"
	"time"

	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns a copy of the record for id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, NotFound(id)
	}
	return &r, nil
}

// Create inserts r.
func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	if r.ID == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "record id is required").
			WithComponent("records")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return errors.NewError(errors.ErrCodeValidationFailed, "record already exists").
			WithComponent("records").
			WithDetail("id", r.ID)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.records[r.ID] = *r
	return nil
}

// UpdateLocation rewrites the remote path and tier of id.
func (s *MemoryStore) UpdateLocation(_ context.Context, id, remotePath string, tier types.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return NotFound(id)
	}
	r.RemotePath = remotePath
	r.Tier = tier
	r.UpdatedAt = time.Now().UTC()
	s.records[id] = r
	return nil
}

// Delete removes id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
