package store

import (
	"context"
	"sync"
)

type MemoryUsageStore struct {
	mu      sync.RWMutex
	records []TransformRecord
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{}
}

func (s *MemoryUsageStore) CreateTransformRecord(_ context.Context, record TransformRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryUsageStore) Records() []TransformRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TransformRecord, len(s.records))
	copy(out, s.records)
	return out
}
