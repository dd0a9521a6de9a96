package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/score-tracker/internal/domain"
)

// Store is a concurrent in-memory score store.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.ScoreRecord
}

func New() *Store {
	return &Store{records: make(map[string]domain.ScoreRecord)}
}

func (s *Store) Insert(_ context.Context, rec domain.ScoreRecord) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id.String()] = rec.Clone()
	return id.String(), nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrScoreNotFound
	}
	cp := rec.Clone()
	return &cp, nil
}

func (s *Store) GetAll(_ context.Context) (map[string]domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

func (s *Store) FindByEquality(_ context.Context, field string, value domain.Value) (map[string]domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.FilterByField(s.snapshot(), field, value), nil
}

func (s *Store) FindTopByField(_ context.Context, field string, limit int) ([]domain.ScoreEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.LastByField(s.snapshot(), field, limit), nil
}

func (s *Store) Update(_ context.Context, id string, upd domain.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrScoreNotFound
	}
	s.records[id] = upd.Apply(rec)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return domain.ErrScoreNotFound
	}
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// snapshot copies the records; callers hold at least the read lock
func (s *Store) snapshot() map[string]domain.ScoreRecord {
	out := make(map[string]domain.ScoreRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out
}
