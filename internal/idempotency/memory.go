package idempotency

import (
	"context"
	"sync"

	"paymock/internal/models"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.IdempotencyRecord)}
}

func (s *MemoryStore) GetIdempotency(_ context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	rec.Result = append([]byte(nil), rec.Result...)
	return &rec, true, nil
}

func (s *MemoryStore) PutIdempotencyIfAbsent(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	cp := *rec
	cp.Result = append([]byte(nil), rec.Result...)
	s.records[rec.Key] = cp
	return true, nil
}
