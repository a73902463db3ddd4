package vectorstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memmesh/memmesh/pkg/models"
)

// InMemoryStore implements Store on process memory. Used in tests and
// single-node development; it mirrors the Postgres store's semantics,
// including soft deletes and full-tuple scope equality.
type InMemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]*models.Memory
	distance Distance
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(distance Distance) *InMemoryStore {
	if distance == "" {
		distance = DistanceCosine
	}
	return &InMemoryStore{rows: make(map[string]*models.Memory), distance: distance}
}

func cloneMemory(m *models.Memory) *models.Memory {
	out := *m
	if m.Embedding != nil {
		out.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Insert stores a memory, idempotent on its id.
func (s *InMemoryStore) Insert(ctx context.Context, memory *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[memory.ID]; exists {
		return nil
	}
	s.rows[memory.ID] = cloneMemory(memory)
	return nil
}

// Update applies a partial update within scope.
func (s *InMemoryStore) Update(ctx context.Context, scope models.Scope, id string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || !row.Scope.Equal(scope) {
		return models.NewError(models.ErrNotFound, "memory %s not found in scope", id)
	}
	if update.Text != nil {
		row.Text = *update.Text
	}
	if update.Embedding != nil {
		row.Embedding = append([]float32(nil), update.Embedding...)
	}
	if update.Hash != nil {
		row.Hash = *update.Hash
	}
	if update.Metadata != nil {
		row.Metadata = update.Metadata
	}
	if update.State != nil {
		row.State = *update.State
	}
	row.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete soft-deletes the memory.
func (s *InMemoryStore) Delete(ctx context.Context, scope models.Scope, id string) error {
	state := models.StateDeleted
	return s.Update(ctx, scope, id, Update{State: &state})
}

// DeleteAll soft-deletes every memory in scope.
func (s *InMemoryStore) DeleteAll(ctx context.Context, scope models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Scope.Equal(scope) && row.State != models.StateDeleted {
			row.State = models.StateDeleted
			row.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// Get returns the memory regardless of state.
func (s *InMemoryStore) Get(ctx context.Context, scope models.Scope, id string) (*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok || !row.Scope.Equal(scope) {
		return nil, models.NewError(models.ErrNotFound, "memory %s not found in scope", id)
	}
	return cloneMemory(row), nil
}

func stateAllowed(state models.MemoryState, states []models.MemoryState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func metadataMatches(row *models.Memory, filters Filters) bool {
	for key, want := range filters.Metadata {
		have, ok := row.Metadata[key]
		if !ok {
			return false
		}
		switch list := have.(type) {
		case []interface{}:
			found := false
			for _, item := range list {
				if item == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if have != want {
				return false
			}
		}
	}
	return true
}

func (s *InMemoryStore) similarity(a, b []float32) float64 {
	// Both metrics reduce to the dot product for unit-normalized
	// vectors, which is what the gateway produces.
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Search returns the top-k memories by descending similarity.
func (s *InMemoryStore) Search(ctx context.Context, scope models.Scope, vector []float32, k int, filters Filters) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	states := filters.States
	if len(states) == 0 {
		states = searchDefaultStates
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0)
	for _, row := range s.rows {
		if !row.Scope.Equal(scope) || !stateAllowed(row.State, states) || !metadataMatches(row, filters) {
			continue
		}
		hits = append(hits, Hit{Memory: cloneMemory(row), Score: s.similarity(vector, row.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Memory.CreatedAt.Equal(hits[j].Memory.CreatedAt) {
			return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// List returns a page ordered by (created_at desc, id asc).
func (s *InMemoryStore) List(ctx context.Context, scope models.Scope, filters Filters, page, size int) (*models.MemoryPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	states := filters.States
	if len(states) == 0 {
		states = listDefaultStates
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*models.Memory, 0)
	for _, row := range s.rows {
		if row.Scope.Equal(scope) && stateAllowed(row.State, states) && metadataMatches(row, filters) {
			items = append(items, cloneMemory(row))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})

	total := len(items)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return &models.MemoryPage{Items: items[start:end], Page: page, Size: size, Total: total}, nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }
