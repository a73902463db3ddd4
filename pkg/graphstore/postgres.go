package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
)

// PostgresGraph implements Store on PostgreSQL. Relationships carry
// foreign keys to entities with ON DELETE CASCADE, so entity deletion
// cascades in the database; orphan pruning after edge removal is done
// here.
type PostgresGraph struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPostgresGraph creates a graph store over an existing pool.
func NewPostgresGraph(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresGraph, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &PostgresGraph{db: db, logger: logger.WithPrefix("graphstore"), metrics: metrics}, nil
}

type entityRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Type      string    `db:"entity_type"`
	OrgID     string    `db:"org_id"`
	ProjectID string    `db:"project_id"`
	UserID    string    `db:"user_id"`
	AgentID   string    `db:"agent_id"`
	RunID     string    `db:"run_id"`
	AppID     string    `db:"app_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *entityRow) toEntity() models.Entity {
	return models.Entity{
		Name: r.Name,
		Type: r.Type,
		Scope: models.Scope{
			OrgID:     r.OrgID,
			ProjectID: r.ProjectID,
			UserID:    r.UserID,
			AgentID:   r.AgentID,
			RunID:     r.RunID,
			AppID:     r.AppID,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func graphScopeWhere(scope models.Scope, args []interface{}, table string) (string, []interface{}) {
	prefix := ""
	if table != "" {
		prefix = table + "."
	}
	clauses := make([]string, 0, 6)
	for _, field := range []struct {
		column string
		value  string
	}{
		{"org_id", scope.OrgID},
		{"project_id", scope.ProjectID},
		{"user_id", scope.UserID},
		{"agent_id", scope.AgentID},
		{"run_id", scope.RunID},
		{"app_id", scope.AppID},
	} {
		args = append(args, field.value)
		clauses = append(clauses, fmt.Sprintf("%s%s = $%d", prefix, field.column, len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func formatVector(vector []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// UpsertEntity creates or refreshes the entity. An empty entityType
// preserves any previously stored type; a nil embedding preserves any
// previously stored embedding.
func (g *PostgresGraph) UpsertEntity(ctx context.Context, scope models.Scope, name, entityType string, embedding []float32) (*models.Entity, error) {
	started := time.Now()
	name = Normalize(name)
	entityType = Normalize(entityType)

	var embeddingArg interface{}
	if embedding != nil {
		embeddingArg = formatVector(embedding)
	}

	var row entityRow
	err := g.db.GetContext(ctx, &row, `
		INSERT INTO graph_entities (
			name, entity_type, embedding,
			org_id, project_id, user_id, agent_id, run_id, app_id,
			created_at, updated_at
		) VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (name, org_id, project_id, user_id, agent_id, run_id, app_id)
		DO UPDATE SET
			entity_type = CASE WHEN EXCLUDED.entity_type <> '' THEN EXCLUDED.entity_type ELSE graph_entities.entity_type END,
			embedding = COALESCE(EXCLUDED.embedding, graph_entities.embedding),
			updated_at = NOW()
		RETURNING id, name, entity_type, org_id, project_id, user_id, agent_id, run_id, app_id, created_at, updated_at`,
		name, entityType, embeddingArg,
		scope.OrgID, scope.ProjectID, scope.UserID, scope.AgentID, scope.RunID, scope.AppID,
	)
	g.metrics.RecordOperation("graphstore", "upsert_entity", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "entity upsert failed")
	}
	entity := row.toEntity()
	return &entity, nil
}

// UpsertRelationship creates both endpoints if missing and the edge if
// missing. Idempotent on (scope, source, predicate, target).
func (g *PostgresGraph) UpsertRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) (*models.Relationship, error) {
	started := time.Now()
	source = Normalize(source)
	predicate = Normalize(predicate)
	target = Normalize(target)

	if _, err := g.UpsertEntity(ctx, scope, source, "", nil); err != nil {
		return nil, err
	}
	if _, err := g.UpsertEntity(ctx, scope, target, "", nil); err != nil {
		return nil, err
	}

	args := []interface{}{source, target,
		scope.OrgID, scope.ProjectID, scope.UserID, scope.AgentID, scope.RunID, scope.AppID,
		predicate}

	_, err := g.db.ExecContext(ctx, g.relationshipInsertQuery(len(args)), args...)
	g.metrics.RecordOperation("graphstore", "upsert_relationship", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "relationship upsert failed")
	}

	return &models.Relationship{
		Source:    source,
		Predicate: predicate,
		Target:    target,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (g *PostgresGraph) relationshipInsertQuery(predicateArg int) string {
	scopeCols := []string{"org_id", "project_id", "user_id", "agent_id", "run_id", "app_id"}
	srcClauses := make([]string, len(scopeCols))
	tgtClauses := make([]string, len(scopeCols))
	for i, col := range scopeCols {
		// Scope args occupy $3..$8 (after source and target names).
		srcClauses[i] = fmt.Sprintf("src.%s = $%d", col, i+3)
		tgtClauses[i] = fmt.Sprintf("tgt.%s = $%d", col, i+3)
	}
	return fmt.Sprintf(`
		INSERT INTO graph_relationships (
			source_id, target_id, predicate,
			org_id, project_id, user_id, agent_id, run_id, app_id, created_at
		)
		SELECT src.id, tgt.id, $%d, $3, $4, $5, $6, $7, $8, NOW()
		FROM graph_entities src, graph_entities tgt
		WHERE src.name = $1 AND tgt.name = $2
		  AND %s
		  AND %s
		ON CONFLICT (source_id, predicate, target_id) DO NOTHING`,
		predicateArg,
		strings.Join(srcClauses, " AND "),
		strings.Join(tgtClauses, " AND "),
	)
}

// DeleteEntity removes the entity; edges cascade via foreign keys.
// Endpoints orphaned by the cascade are pruned afterwards.
func (g *PostgresGraph) DeleteEntity(ctx context.Context, scope models.Scope, name string) error {
	started := time.Now()
	name = Normalize(name)

	args := []interface{}{name}
	scopeClause, args := graphScopeWhere(scope, args, "")

	result, err := g.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM graph_entities WHERE name = $1 AND %s", scopeClause), args...)
	g.metrics.RecordOperation("graphstore", "delete_entity", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "entity delete failed")
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return models.NewError(models.ErrNotFound, "entity %s not found in scope", name)
	}
	return g.pruneOrphans(ctx, scope)
}

// DeleteRelationship removes one edge and prunes endpoints left
// without any edge.
func (g *PostgresGraph) DeleteRelationship(ctx context.Context, scope models.Scope, source, predicate, target string) error {
	started := time.Now()
	source = Normalize(source)
	predicate = Normalize(predicate)
	target = Normalize(target)

	args := []interface{}{source, predicate, target}
	scopeClause, args := graphScopeWhere(scope, args, "r")

	query := fmt.Sprintf(`
		DELETE FROM graph_relationships r
		USING graph_entities src, graph_entities tgt
		WHERE r.source_id = src.id AND r.target_id = tgt.id
		  AND src.name = $1 AND r.predicate = $2 AND tgt.name = $3
		  AND %s`, scopeClause)

	_, err := g.db.ExecContext(ctx, query, args...)
	g.metrics.RecordOperation("graphstore", "delete_relationship", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "relationship delete failed")
	}
	return g.pruneOrphans(ctx, scope)
}

// pruneOrphans removes entities in scope that no edge references.
func (g *PostgresGraph) pruneOrphans(ctx context.Context, scope models.Scope) error {
	args := []interface{}{}
	scopeClause, args := graphScopeWhere(scope, args, "e")

	query := fmt.Sprintf(`
		DELETE FROM graph_entities e
		WHERE %s
		  AND NOT EXISTS (
			SELECT 1 FROM graph_relationships r
			WHERE r.source_id = e.id OR r.target_id = e.id
		  )`, scopeClause)

	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return models.WrapError(models.ErrStore, err, "orphan prune failed")
	}
	return nil
}

type relationshipRow struct {
	Source    string    `db:"source"`
	Predicate string    `db:"predicate"`
	Target    string    `db:"target"`
	CreatedAt time.Time `db:"created_at"`
}

// Neighborhood returns the subgraph reachable from the seeds within
// depth hops, breadth first.
func (g *PostgresGraph) Neighborhood(ctx context.Context, scope models.Scope, seeds []string, depth int) (*models.Neighborhood, error) {
	started := time.Now()
	depth = clampDepth(depth)

	normalized := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if n := Normalize(seed); n != "" {
			normalized = append(normalized, n)
		}
	}
	out := &models.Neighborhood{Entities: []models.Entity{}, Relationships: []models.Relationship{}}
	if len(normalized) == 0 {
		return out, nil
	}

	seen := make(map[string]bool)
	edgeSeen := make(map[string]bool)
	frontier := normalized

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		args := []interface{}{pq.Array(frontier)}
		scopeClause, argsOut := graphScopeWhere(scope, args, "r")

		query := fmt.Sprintf(`
			SELECT src.name AS source, r.predicate, tgt.name AS target, r.created_at
			FROM graph_relationships r
			JOIN graph_entities src ON src.id = r.source_id
			JOIN graph_entities tgt ON tgt.id = r.target_id
			WHERE (src.name = ANY($1) OR tgt.name = ANY($1)) AND %s`, scopeClause)

		var rows []relationshipRow
		if err := g.db.SelectContext(ctx, &rows, query, argsOut...); err != nil {
			g.metrics.RecordOperation("graphstore", "neighborhood", false, time.Since(started))
			return nil, models.WrapError(models.ErrStore, err, "neighborhood query failed")
		}

		next := make([]string, 0)
		for _, row := range rows {
			key := row.Source + "|" + row.Predicate + "|" + row.Target
			if !edgeSeen[key] {
				edgeSeen[key] = true
				out.Relationships = append(out.Relationships, models.Relationship{
					Source:    row.Source,
					Predicate: row.Predicate,
					Target:    row.Target,
					Scope:     scope,
					CreatedAt: row.CreatedAt,
				})
			}
			for _, name := range []string{row.Source, row.Target} {
				if !seen[name] {
					seen[name] = true
					next = append(next, name)
				}
			}
		}
		frontier = next
	}

	if len(seen) > 0 {
		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		args := []interface{}{pq.Array(names)}
		scopeClause, argsOut := graphScopeWhere(scope, args, "")

		query := fmt.Sprintf(`
			SELECT id, name, entity_type, org_id, project_id, user_id, agent_id, run_id, app_id, created_at, updated_at
			FROM graph_entities WHERE name = ANY($1) AND %s ORDER BY name`, scopeClause)

		var rows []entityRow
		if err := g.db.SelectContext(ctx, &rows, query, argsOut...); err != nil {
			g.metrics.RecordOperation("graphstore", "neighborhood", false, time.Since(started))
			return nil, models.WrapError(models.ErrStore, err, "neighborhood entity query failed")
		}
		for i := range rows {
			out.Entities = append(out.Entities, rows[i].toEntity())
		}
	}

	g.metrics.RecordOperation("graphstore", "neighborhood", true, time.Since(started))
	return out, nil
}

// SearchByText ranks entities by a blend of lexical rank and, when a
// query vector is given, embedding similarity; ties break by recency.
func (g *PostgresGraph) SearchByText(ctx context.Context, scope models.Scope, text string, vector []float32, k int) ([]models.Entity, error) {
	if k <= 0 {
		return []models.Entity{}, nil
	}
	started := time.Now()
	text = strings.TrimSpace(strings.ToLower(text))

	args := []interface{}{text}
	scopeClause, args := graphScopeWhere(scope, args, "")

	semExpr := "0"
	if vector != nil {
		args = append(args, formatVector(vector))
		semExpr = fmt.Sprintf(
			"CASE WHEN embedding IS NOT NULL THEN 1 - (embedding <=> $%d::vector) ELSE 0 END", len(args))
	}
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT id, name, entity_type, org_id, project_id, user_id, agent_id, run_id, app_id, created_at, updated_at
		FROM graph_entities
		WHERE %s
		  AND (replace(name, '_', ' ') %% $1 OR name LIKE '%%' || replace($1, ' ', '_') || '%%'
		       OR ts_rank_cd(to_tsvector('simple', replace(name, '_', ' ')), plainto_tsquery('simple', $1)) > 0)
		ORDER BY
		  0.5 * ts_rank_cd(to_tsvector('simple', replace(name, '_', ' ')), plainto_tsquery('simple', $1))
		  + 0.5 * %s DESC,
		  updated_at DESC
		LIMIT $%d`, scopeClause, semExpr, len(args))

	var rows []entityRow
	err := g.db.SelectContext(ctx, &rows, query, args...)
	g.metrics.RecordOperation("graphstore", "search_by_text", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "entity search failed")
	}

	out := make([]models.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntity())
	}
	return out, nil
}

// Ping reports backend health.
func (g *PostgresGraph) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}
