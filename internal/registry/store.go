package registry

import (
	"context"
	"sync"

	"deployd/internal/domain"
)

// Store persists deployment records.
type Store interface {
	Save(ctx context.Context, rec domain.Record) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]domain.Record, error)
	Close() error
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]domain.Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{recs: make(map[string]domain.Record)} }

func (s *MemoryStore) Save(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	s.recs[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.recs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadAll(context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
