package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
)

type MemoryRemovalStore struct {
	mu       sync.RWMutex
	removals map[string]domain.Removal
	usage    []domain.UsageLog
}

var (
	_ RemovalStore = (*MemoryRemovalStore)(nil)
	_ UsageStore   = (*MemoryRemovalStore)(nil)
)

func NewMemoryRemovalStore() *MemoryRemovalStore {
	return &MemoryRemovalStore{
		removals: make(map[string]domain.Removal),
	}
}

func (s *MemoryRemovalStore) Create(_ context.Context, removal domain.Removal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.removals[removal.ID]; exists {
		return fmt.Errorf("removal %s already exists", removal.ID)
	}
	s.removals[removal.ID] = removal
	return nil
}

func (s *MemoryRemovalStore) Get(_ context.Context, id string) (domain.Removal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	removal, ok := s.removals[id]
	return removal, ok, nil
}

func (s *MemoryRemovalStore) Update(_ context.Context, id string, fn func(*domain.Removal)) (domain.Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removal, ok := s.removals[id]
	if !ok {
		return domain.Removal{}, ErrRemovalNotFound
	}

	fn(&removal)
	removal.ID = id
	removal.UpdatedAt = time.Now().UTC()
	s.removals[id] = removal
	return removal, nil
}

func (s *MemoryRemovalStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

// UsageLogs returns a copy of the recorded usage.
func (s *MemoryRemovalStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.usage...)
}

// All returns every removal ordered by creation time.
func (s *MemoryRemovalStore) All() []domain.Removal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Removal, 0, len(s.removals))
	for _, r := range s.removals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
