// Package graphstore is the durable store of entities and typed
// directed relationships, scoped by tenant, with bounded neighborhood
// traversal and hybrid lexical/semantic entity lookup.
package graphstore

import (
	"context"
	"regexp"
	"strings"

	"github.com/memmesh/memmesh/pkg/models"
)

// MaxDepth bounds neighborhood traversals to prevent runaway queries.
const MaxDepth = 2

// Store is the graph store contract. Entity identity is (scope, name)
// after normalization; relationship identity is (scope, source,
// predicate, target). An edge exists only while both endpoints exist
// in the same scope; deleting an entity cascades to its edges, and
// removing an entity's last edge removes the entity.
type Store interface {
	// UpsertEntity creates or returns the entity. The embedding is
	// optional and used for semantic lookup; nil leaves any stored
	// embedding unchanged.
	UpsertEntity(ctx context.Context, scope models.Scope, name, entityType string, embedding []float32) (*models.Entity, error)
	// UpsertRelationship creates both endpoints if missing and the edge
	// if missing. Idempotent.
	UpsertRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) (*models.Relationship, error)
	// DeleteEntity removes the entity and cascades to its edges.
	DeleteEntity(ctx context.Context, scope models.Scope, name string) error
	// DeleteRelationship removes one edge and prunes endpoints left
	// without any edge.
	DeleteRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) error
	// Neighborhood returns the subgraph reachable from the seeds within
	// depth hops. Depth is clamped to [1, MaxDepth].
	Neighborhood(ctx context.Context, scope models.Scope, seeds []string, depth int) (*models.Neighborhood, error)
	// SearchByText returns up to k entities matching text by a mix of
	// lexical and embedding similarity, ties broken by recency. The
	// query vector is optional.
	SearchByText(ctx context.Context, scope models.Scope, text string, vector []float32, k int) ([]models.Entity, error)
	// Ping reports backend health.
	Ping(ctx context.Context) error
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize canonicalizes entity names and predicates: lowercase,
// trimmed, whitespace runs collapsed to single underscores.
func Normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return whitespaceRun.ReplaceAllString(name, "_")
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > MaxDepth {
		return MaxDepth
	}
	return depth
}
