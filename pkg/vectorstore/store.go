// Package vectorstore is the durable associative store mapping memory
// ids to text, embedding and metadata, with top-k similarity search
// under tenant scope filters.
package vectorstore

import (
	"context"

	"github.com/memmesh/memmesh/pkg/models"
)

// Distance selects the similarity metric. The deployment pins one;
// cosine is the default and the one the default schema indexes for.
type Distance string

const (
	DistanceCosine       Distance = "cosine"
	DistanceInnerProduct Distance = "inner_product"
)

// Filters narrows Search and List results. Metadata entries are
// exact-match on scalar values and set-membership on list values.
// States opts into non-active states; when empty, Search sees only
// active memories and List sees active and paused.
type Filters struct {
	Metadata map[string]interface{}
	States   []models.MemoryState
}

// Update describes a partial update of one memory. Nil fields are
// left unchanged. Text and Embedding must change together; the engine
// guarantees that.
type Update struct {
	Text      *string
	Embedding []float32
	Hash      *string
	Metadata  map[string]interface{}
	State     *models.MemoryState
}

// Hit is one scored search result.
type Hit struct {
	Memory *models.Memory
	Score  float64
}

// Store is the vector store contract. All operations are scoped: a
// row is only visible to the exact scope tuple it was written under.
// Reads after a successful write reflect that write; concurrent
// writes to the same id are serialized by the backend.
type Store interface {
	// Insert stores a memory, idempotent on its id.
	Insert(ctx context.Context, memory *models.Memory) error
	// Update applies a partial update within scope. NotFound if the id
	// does not exist in scope.
	Update(ctx context.Context, scope models.Scope, id string, update Update) error
	// Delete marks the memory deleted (soft delete, tombstone remains).
	Delete(ctx context.Context, scope models.Scope, id string) error
	// DeleteAll marks every memory in scope deleted.
	DeleteAll(ctx context.Context, scope models.Scope) error
	// Get returns the memory regardless of state. NotFound outside scope.
	Get(ctx context.Context, scope models.Scope, id string) (*models.Memory, error)
	// Search returns the top-k memories by descending similarity.
	// k == 0 returns an empty slice without touching the backend.
	Search(ctx context.Context, scope models.Scope, vector []float32, k int, filters Filters) ([]Hit, error)
	// List returns a page ordered by (created_at desc, id asc).
	List(ctx context.Context, scope models.Scope, filters Filters, page, size int) (*models.MemoryPage, error)
	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// searchDefaultStates is what Search sees when no state filter is given.
var searchDefaultStates = []models.MemoryState{models.StateActive}

// listDefaultStates keeps paused memories visible in listings while
// archived and deleted stay hidden.
var listDefaultStates = []models.MemoryState{models.StateActive, models.StatePaused}
