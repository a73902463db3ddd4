package graphstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memmesh/memmesh/pkg/models"
)

// InMemoryGraph implements Store on process memory, mirroring the
// Postgres store's semantics: normalized identities, idempotent edge
// upsert, cascade on entity delete and orphan pruning on edge delete.
type InMemoryGraph struct {
	mu       sync.RWMutex
	entities map[string]*memoryEntity            // key: scopeKey|name
	edges    map[string]*models.Relationship     // key: scopeKey|src|pred|tgt
}

type memoryEntity struct {
	entity    models.Entity
	embedding []float32
}

// NewInMemoryGraph creates an empty in-memory graph store.
func NewInMemoryGraph() *InMemoryGraph {
	return &InMemoryGraph{
		entities: make(map[string]*memoryEntity),
		edges:    make(map[string]*models.Relationship),
	}
}

func scopeKey(scope models.Scope) string {
	return strings.Join([]string{
		scope.OrgID, scope.ProjectID, scope.UserID, scope.AgentID, scope.RunID, scope.AppID,
	}, "|")
}

func entityKey(scope models.Scope, name string) string {
	return scopeKey(scope) + "|" + name
}

func edgeKey(scope models.Scope, source, predicate, target string) string {
	return scopeKey(scope) + "|" + source + "|" + predicate + "|" + target
}

// UpsertEntity creates or refreshes the entity.
func (g *InMemoryGraph) UpsertEntity(ctx context.Context, scope models.Scope, name, entityType string, embedding []float32) (*models.Entity, error) {
	name = Normalize(name)
	entityType = Normalize(entityType)

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upsertEntityLocked(scope, name, entityType, embedding), nil
}

func (g *InMemoryGraph) upsertEntityLocked(scope models.Scope, name, entityType string, embedding []float32) *models.Entity {
	key := entityKey(scope, name)
	now := time.Now().UTC()
	existing, ok := g.entities[key]
	if !ok {
		existing = &memoryEntity{entity: models.Entity{
			Name:      name,
			Type:      entityType,
			Scope:     scope,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		g.entities[key] = existing
	} else {
		if entityType != "" {
			existing.entity.Type = entityType
		}
		existing.entity.UpdatedAt = now
	}
	if embedding != nil {
		existing.embedding = append([]float32(nil), embedding...)
	}
	out := existing.entity
	return &out
}

// UpsertRelationship creates both endpoints if missing and the edge if
// missing. Idempotent.
func (g *InMemoryGraph) UpsertRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) (*models.Relationship, error) {
	source = Normalize(source)
	predicate = Normalize(predicate)
	target = Normalize(target)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.upsertEntityLocked(scope, source, "", nil)
	g.upsertEntityLocked(scope, target, "", nil)

	key := edgeKey(scope, source, predicate, target)
	if existing, ok := g.edges[key]; ok {
		out := *existing
		return &out, nil
	}
	edge := &models.Relationship{
		Source:    source,
		Predicate: predicate,
		Target:    target,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	g.edges[key] = edge
	out := *edge
	return &out, nil
}

// DeleteEntity removes the entity, cascades to its edges and prunes
// endpoints orphaned by the cascade.
func (g *InMemoryGraph) DeleteEntity(ctx context.Context, scope models.Scope, name string) error {
	name = Normalize(name)

	g.mu.Lock()
	defer g.mu.Unlock()

	key := entityKey(scope, name)
	if _, ok := g.entities[key]; !ok {
		return models.NewError(models.ErrNotFound, "entity %s not found in scope", name)
	}
	delete(g.entities, key)

	for k, edge := range g.edges {
		if edge.Scope.Equal(scope) && (edge.Source == name || edge.Target == name) {
			delete(g.edges, k)
		}
	}
	g.pruneOrphansLocked(scope)
	return nil
}

// DeleteRelationship removes one edge and prunes orphaned endpoints.
func (g *InMemoryGraph) DeleteRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) error {
	source = Normalize(source)
	predicate = Normalize(predicate)
	target = Normalize(target)

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, edgeKey(scope, source, predicate, target))
	g.pruneOrphansLocked(scope)
	return nil
}

func (g *InMemoryGraph) pruneOrphansLocked(scope models.Scope) {
	referenced := make(map[string]bool)
	for _, edge := range g.edges {
		if edge.Scope.Equal(scope) {
			referenced[edge.Source] = true
			referenced[edge.Target] = true
		}
	}
	for key, ent := range g.entities {
		if ent.entity.Scope.Equal(scope) && !referenced[ent.entity.Name] {
			delete(g.entities, key)
		}
	}
}

// Neighborhood returns the subgraph reachable from the seeds within
// depth hops, breadth first.
func (g *InMemoryGraph) Neighborhood(ctx context.Context, scope models.Scope, seeds []string, depth int) (*models.Neighborhood, error) {
	depth = clampDepth(depth)

	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if n := Normalize(seed); n != "" {
			frontier = append(frontier, n)
		}
	}
	out := &models.Neighborhood{Entities: []models.Entity{}, Relationships: []models.Relationship{}}
	if len(frontier) == 0 {
		return out, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	edgeSeen := make(map[string]bool)

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		inFrontier := make(map[string]bool, len(frontier))
		for _, name := range frontier {
			inFrontier[name] = true
		}
		next := make([]string, 0)
		for key, edge := range g.edges {
			if !edge.Scope.Equal(scope) {
				continue
			}
			if !inFrontier[edge.Source] && !inFrontier[edge.Target] {
				continue
			}
			if !edgeSeen[key] {
				edgeSeen[key] = true
				out.Relationships = append(out.Relationships, *edge)
			}
			for _, name := range []string{edge.Source, edge.Target} {
				if !seen[name] {
					seen[name] = true
					next = append(next, name)
				}
			}
		}
		frontier = next
	}

	for name := range seen {
		if ent, ok := g.entities[entityKey(scope, name)]; ok {
			out.Entities = append(out.Entities, ent.entity)
		}
	}
	sort.Slice(out.Entities, func(i, j int) bool {
		return out.Entities[i].Name < out.Entities[j].Name
	})
	sort.Slice(out.Relationships, func(i, j int) bool {
		a, b := out.Relationships[i], out.Relationships[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.Target < b.Target
	})
	return out, nil
}

// SearchByText matches entity names lexically (token overlap) and by
// embedding similarity when a vector is given; ties break by recency.
func (g *InMemoryGraph) SearchByText(ctx context.Context, scope models.Scope, text string, vector []float32, k int) ([]models.Entity, error) {
	if k <= 0 {
		return []models.Entity{}, nil
	}
	tokens := strings.Fields(strings.ToLower(text))

	g.mu.RLock()
	defer g.mu.RUnlock()

	type scored struct {
		entity models.Entity
		score  float64
	}
	candidates := make([]scored, 0)
	for _, ent := range g.entities {
		if !ent.entity.Scope.Equal(scope) {
			continue
		}
		lex := lexicalScore(ent.entity.Name, tokens)
		sem := 0.0
		if vector != nil && ent.embedding != nil {
			sem = dot(vector, ent.embedding)
		}
		score := 0.5*lex + 0.5*sem
		if score > 0 {
			candidates = append(candidates, scored{entity: ent.entity, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entity.UpdatedAt.After(candidates[j].entity.UpdatedAt)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]models.Entity, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.entity)
	}
	return out, nil
}

func lexicalScore(name string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	nameTokens := strings.Split(name, "_")
	matched := 0
	for _, token := range tokens {
		for _, nt := range nameTokens {
			if nt == token || strings.Contains(nt, token) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tokens))
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Ping always succeeds.
func (g *InMemoryGraph) Ping(ctx context.Context) error { return nil }
