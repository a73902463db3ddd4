package history

import (
	"context"
	"sort"
	"sync"

	"github.com/memmesh/memmesh/pkg/models"
)

// InMemoryStore implements Store on process memory for tests and
// single-node development.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []models.HistoryEvent
}

// NewInMemoryStore creates an empty in-memory history store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append writes one event.
func (s *InMemoryStore) Append(ctx context.Context, event *models.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// ForMemory returns all events of one memory in scope, oldest first.
func (s *InMemoryStore) ForMemory(ctx context.Context, scope models.Scope, memoryID string) ([]models.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.HistoryEvent, 0)
	for _, event := range s.events {
		if event.MemoryID == memoryID && event.Scope.Equal(scope) {
			out = append(out, event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }
