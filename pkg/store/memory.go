package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of the result store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int]Result
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]Result)}
}

func (s *MemoryStore) Exists(_ context.Context, index int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[index]
	return ok, nil
}

func (s *MemoryStore) Put(_ context.Context, index int, result Result) error {
	if err := validate(index, result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[index] = append(Result(nil), result...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, index int) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[index]
	if !ok {
		return nil, &NotFoundError{Index: index}
	}
	return append(Result(nil), r...), nil
}

// Delete removes a record. Used by tests to simulate lost results.
func (s *MemoryStore) Delete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, index)
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
