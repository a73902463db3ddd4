package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmesh/memmesh/pkg/models"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "john_smith", Normalize("  John   Smith "))
	assert.Equal(t, "works_at", Normalize("Works At"))
	assert.Equal(t, "techcorp", Normalize("TechCorp"))
	assert.Equal(t, "", Normalize("   "))
}

func TestUpsertRelationshipCreatesEndpoints(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	edge, err := g.UpsertRelationship(ctx, scope, "John", "works at", "TechCorp")
	require.NoError(t, err)
	assert.Equal(t, "john", edge.Source)
	assert.Equal(t, "works_at", edge.Predicate)
	assert.Equal(t, "techcorp", edge.Target)

	hood, err := g.Neighborhood(ctx, scope, []string{"john"}, 1)
	require.NoError(t, err)
	require.Len(t, hood.Entities, 2)
	require.Len(t, hood.Relationships, 1)
}

func TestUpsertRelationshipIsIdempotent(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertRelationship(ctx, scope, "john", "works_at", "techcorp")
	require.NoError(t, err)
	_, err = g.UpsertRelationship(ctx, scope, "John", "Works At", "TechCorp")
	require.NoError(t, err)

	hood, err := g.Neighborhood(ctx, scope, []string{"john"}, 1)
	require.NoError(t, err)
	assert.Len(t, hood.Relationships, 1)
}

func TestDeleteEntityCascades(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertRelationship(ctx, scope, "john", "works_at", "techcorp")
	require.NoError(t, err)
	_, err = g.UpsertRelationship(ctx, scope, "john", "lives_in", "berlin")
	require.NoError(t, err)

	require.NoError(t, g.DeleteEntity(ctx, scope, "john"))

	hood, err := g.Neighborhood(ctx, scope, []string{"techcorp", "berlin", "john"}, 2)
	require.NoError(t, err)
	assert.Empty(t, hood.Relationships)
	// The cascade orphaned techcorp and berlin; they are pruned too.
	assert.Empty(t, hood.Entities)
}

func TestDeleteEntityNotFound(t *testing.T) {
	g := NewInMemoryGraph()
	err := g.DeleteEntity(context.Background(), models.Scope{UserID: "u1"}, "ghost")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestDeleteRelationshipPrunesOrphans(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertRelationship(ctx, scope, "john", "works_at", "techcorp")
	require.NoError(t, err)
	_, err = g.UpsertRelationship(ctx, scope, "john", "lives_in", "berlin")
	require.NoError(t, err)

	require.NoError(t, g.DeleteRelationship(ctx, scope, "john", "works_at", "techcorp"))

	hood, err := g.Neighborhood(ctx, scope, []string{"john"}, 1)
	require.NoError(t, err)
	require.Len(t, hood.Relationships, 1)
	assert.Equal(t, "lives_in", hood.Relationships[0].Predicate)
	// techcorp lost its last edge and is gone; john and berlin remain.
	require.Len(t, hood.Entities, 2)
}

func TestNeighborhoodDepthTwo(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertRelationship(ctx, scope, "john", "works_at", "techcorp")
	require.NoError(t, err)
	_, err = g.UpsertRelationship(ctx, scope, "techcorp", "based_in", "berlin")
	require.NoError(t, err)

	depth1, err := g.Neighborhood(ctx, scope, []string{"john"}, 1)
	require.NoError(t, err)
	assert.Len(t, depth1.Relationships, 1)

	depth2, err := g.Neighborhood(ctx, scope, []string{"john"}, 2)
	require.NoError(t, err)
	assert.Len(t, depth2.Relationships, 2)
	assert.Len(t, depth2.Entities, 3)

	// Depth beyond MaxDepth is clamped, not an error.
	clamped, err := g.Neighborhood(ctx, scope, []string{"john"}, 10)
	require.NoError(t, err)
	assert.Len(t, clamped.Relationships, 2)
}

func TestNeighborhoodScopeIsolation(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()

	_, err := g.UpsertRelationship(ctx, models.Scope{UserID: "u1"}, "john", "works_at", "techcorp")
	require.NoError(t, err)

	hood, err := g.Neighborhood(ctx, models.Scope{UserID: "u2"}, []string{"john"}, 2)
	require.NoError(t, err)
	assert.Empty(t, hood.Entities)
	assert.Empty(t, hood.Relationships)
}

func TestSearchByTextLexical(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertRelationship(ctx, scope, "john smith", "works_at", "techcorp")
	require.NoError(t, err)

	found, err := g.SearchByText(ctx, scope, "john", nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "john_smith", found[0].Name)

	none, err := g.SearchByText(ctx, scope, "unrelated", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	empty, err := g.SearchByText(ctx, scope, "john", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearchByTextSemantic(t *testing.T) {
	g := NewInMemoryGraph()
	ctx := context.Background()
	scope := models.Scope{UserID: "u1"}

	_, err := g.UpsertEntity(ctx, scope, "espresso", "beverage", []float32{1, 0})
	require.NoError(t, err)
	_, err = g.UpsertEntity(ctx, scope, "bicycle", "vehicle", []float32{0, 1})
	require.NoError(t, err)
	// Keep entities alive with edges.
	_, err = g.UpsertRelationship(ctx, scope, "espresso", "is_a", "drink")
	require.NoError(t, err)
	_, err = g.UpsertRelationship(ctx, scope, "bicycle", "is_a", "vehicle")
	require.NoError(t, err)

	found, err := g.SearchByText(ctx, scope, "espresso", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "espresso", found[0].Name)
}
