package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
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

// PgVectorStore implements Store on PostgreSQL with the pgvector
// extension. Scope columns are stored denormalized on each row; the
// similarity operator is chosen at construction and documented in the
// deployment config (cosine by default).
type PgVectorStore struct {
	db       *sqlx.DB
	distance Distance
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewPgVectorStore creates a store over an existing connection pool.
// It verifies the pgvector extension is installed.
func NewPgVectorStore(db *sqlx.DB, distance Distance, logger observability.Logger, metrics observability.MetricsClient) (*PgVectorStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if distance == "" {
		distance = DistanceCosine
	}
	if distance != DistanceCosine && distance != DistanceInnerProduct {
		return nil, fmt.Errorf("unsupported distance metric: %s", distance)
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	var exists bool
	if err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !exists {
		return nil, errors.New("pgvector extension is not installed in the database")
	}

	return &PgVectorStore{
		db:       db,
		distance: distance,
		logger:   logger.WithPrefix("vectorstore"),
		metrics:  metrics,
	}, nil
}

// formatVector renders a pgvector literal, e.g. "[0.1,0.2]".
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

// memoryRow is the scan target for the memories table.
type memoryRow struct {
	ID        string         `db:"id"`
	Text      string         `db:"text"`
	Hash      string         `db:"hash"`
	State     string         `db:"state"`
	OrgID     string         `db:"org_id"`
	ProjectID string         `db:"project_id"`
	UserID    string         `db:"user_id"`
	AgentID   string         `db:"agent_id"`
	RunID     string         `db:"run_id"`
	AppID     string         `db:"app_id"`
	Metadata  []byte         `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	Score     sql.NullFloat64 `db:"score"`
}

func (r *memoryRow) toMemory() (*models.Memory, error) {
	memory := &models.Memory{
		ID:    r.ID,
		Text:  r.Text,
		Hash:  r.Hash,
		State: models.MemoryState(r.State),
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
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &memory.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.ID, err)
		}
	}
	return memory, nil
}

// scopeWhere appends full-tuple scope equality predicates. Rows are
// visible only to the exact scope they were written under; empty
// fields are stored as empty strings so equality covers them too.
func scopeWhere(scope models.Scope, args []interface{}) (string, []interface{}) {
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
		clauses = append(clauses, fmt.Sprintf("%s = $%d", field.column, len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// metadataWhere appends jsonb containment predicates for metadata
// filters: scalar equality and list membership both map to @>.
func metadataWhere(filters Filters, args []interface{}) (string, []interface{}, error) {
	if len(filters.Metadata) == 0 {
		return "", args, nil
	}
	// jsonb containment covers both cases: {"k": v} for scalar equality
	// and {"k": [v]} for membership in a list field.
	raw, err := json.Marshal(filters.Metadata)
	if err != nil {
		return "", args, fmt.Errorf("failed to encode metadata filter: %w", err)
	}
	args = append(args, string(raw))
	return fmt.Sprintf(" AND metadata @> $%d::jsonb", len(args)), args, nil
}

func stateValues(states []models.MemoryState, defaults []models.MemoryState) []string {
	if len(states) == 0 {
		states = defaults
	}
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// Insert stores a memory. ON CONFLICT DO NOTHING makes it idempotent
// on the id.
func (s *PgVectorStore) Insert(ctx context.Context, memory *models.Memory) error {
	started := time.Now()
	metadata, err := json.Marshal(memory.Metadata)
	if err != nil {
		return models.WrapError(models.ErrValidation, err, "metadata is not serializable")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, text, embedding, hash, state,
			org_id, project_id, user_id, agent_id, run_id, app_id,
			metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3::vector, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14
		)
		ON CONFLICT (id) DO NOTHING`,
		memory.ID, memory.Text, formatVector(memory.Embedding), memory.Hash, string(memory.State),
		memory.Scope.OrgID, memory.Scope.ProjectID, memory.Scope.UserID,
		memory.Scope.AgentID, memory.Scope.RunID, memory.Scope.AppID,
		metadata, memory.CreatedAt, memory.UpdatedAt,
	)
	s.metrics.RecordOperation("vectorstore", "insert", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "insert failed")
	}
	return nil
}

// Update applies a partial update within scope.
func (s *PgVectorStore) Update(ctx context.Context, scope models.Scope, id string, update Update) error {
	started := time.Now()
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}

	if update.Text != nil {
		args = append(args, *update.Text)
		sets = append(sets, fmt.Sprintf("text = $%d", len(args)))
	}
	if update.Embedding != nil {
		args = append(args, formatVector(update.Embedding))
		sets = append(sets, fmt.Sprintf("embedding = $%d::vector", len(args)))
	}
	if update.Hash != nil {
		args = append(args, *update.Hash)
		sets = append(sets, fmt.Sprintf("hash = $%d", len(args)))
	}
	if update.Metadata != nil {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return models.WrapError(models.ErrValidation, err, "metadata is not serializable")
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}
	if update.State != nil {
		args = append(args, string(*update.State))
		sets = append(sets, fmt.Sprintf("state = $%d", len(args)))
	}

	args = append(args, id)
	idClause := fmt.Sprintf("id = $%d", len(args))
	scopeClause, args := scopeWhere(scope, args)

	query := fmt.Sprintf("UPDATE memories SET %s WHERE %s AND %s",
		strings.Join(sets, ", "), idClause, scopeClause)

	result, err := s.db.ExecContext(ctx, query, args...)
	s.metrics.RecordOperation("vectorstore", "update", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "update failed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStore, err, "update result unavailable")
	}
	if affected == 0 {
		return models.NewError(models.ErrNotFound, "memory %s not found in scope", id)
	}
	return nil
}

// Delete soft-deletes the memory; the tombstone row remains for history.
func (s *PgVectorStore) Delete(ctx context.Context, scope models.Scope, id string) error {
	state := models.StateDeleted
	return s.Update(ctx, scope, id, Update{State: &state})
}

// DeleteAll soft-deletes every memory in scope.
func (s *PgVectorStore) DeleteAll(ctx context.Context, scope models.Scope) error {
	started := time.Now()
	args := []interface{}{string(models.StateDeleted)}
	scopeClause, args := scopeWhere(scope, args)

	query := fmt.Sprintf(
		"UPDATE memories SET state = $1, updated_at = NOW() WHERE %s AND state <> $1", scopeClause)
	_, err := s.db.ExecContext(ctx, query, args...)
	s.metrics.RecordOperation("vectorstore", "delete_all", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "delete_all failed")
	}
	return nil
}

const memoryColumns = `id, text, hash, state,
	org_id, project_id, user_id, agent_id, run_id, app_id,
	metadata, created_at, updated_at`

// Get returns the memory regardless of state.
func (s *PgVectorStore) Get(ctx context.Context, scope models.Scope, id string) (*models.Memory, error) {
	args := []interface{}{id}
	scopeClause, args := scopeWhere(scope, args)

	query := fmt.Sprintf("SELECT %s FROM memories WHERE id = $1 AND %s", memoryColumns, scopeClause)

	var row memoryRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrNotFound, "memory %s not found in scope", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "get failed")
	}
	return row.toMemory()
}

// similarityExpr renders the score expression for the configured metric.
// Cosine distance (<=>) maps to 1 - distance; inner product (<#>)
// negates pgvector's negated operator.
func (s *PgVectorStore) similarityExpr(arg int) (scoreExpr, orderExpr string) {
	switch s.distance {
	case DistanceInnerProduct:
		return fmt.Sprintf("-(embedding <#> $%d::vector)", arg),
			fmt.Sprintf("embedding <#> $%d::vector ASC", arg)
	default:
		return fmt.Sprintf("1 - (embedding <=> $%d::vector)", arg),
			fmt.Sprintf("embedding <=> $%d::vector ASC", arg)
	}
}

// Search returns the top-k memories by descending similarity, ties
// broken by created_at descending then id ascending.
func (s *PgVectorStore) Search(ctx context.Context, scope models.Scope, vector []float32, k int, filters Filters) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}
	started := time.Now()

	args := []interface{}{formatVector(vector)}
	scoreExpr, orderExpr := s.similarityExpr(1)
	scopeClause, args := scopeWhere(scope, args)

	args = append(args, pq.Array(stateValues(filters.States, searchDefaultStates)))
	stateClause := fmt.Sprintf("state = ANY($%d)", len(args))

	metaClause, args, err := metadataWhere(filters, args)
	if err != nil {
		return nil, models.WrapError(models.ErrValidation, err, "invalid metadata filter")
	}

	args = append(args, k)
	query := fmt.Sprintf(`
		SELECT %s, %s AS score
		FROM memories
		WHERE %s AND %s%s
		ORDER BY %s, created_at DESC, id ASC
		LIMIT $%d`,
		memoryColumns, scoreExpr, scopeClause, stateClause, metaClause, orderExpr, len(args))

	var rows []memoryRow
	err = s.db.SelectContext(ctx, &rows, query, args...)
	s.metrics.RecordOperation("vectorstore", "search", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "search failed")
	}

	hits := make([]Hit, 0, len(rows))
	for i := range rows {
		memory, err := rows[i].toMemory()
		if err != nil {
			return nil, models.WrapError(models.ErrStore, err, "search row decode failed")
		}
		hits = append(hits, Hit{Memory: memory, Score: rows[i].Score.Float64})
	}
	return hits, nil
}

// List returns a page ordered by (created_at desc, id asc).
func (s *PgVectorStore) List(ctx context.Context, scope models.Scope, filters Filters, page, size int) (*models.MemoryPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	started := time.Now()

	args := []interface{}{}
	scopeClause, args := scopeWhere(scope, args)

	args = append(args, pq.Array(stateValues(filters.States, listDefaultStates)))
	stateClause := fmt.Sprintf("state = ANY($%d)", len(args))

	metaClause, args, err := metadataWhere(filters, args)
	if err != nil {
		return nil, models.WrapError(models.ErrValidation, err, "invalid metadata filter")
	}

	where := fmt.Sprintf("%s AND %s%s", scopeClause, stateClause, metaClause)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM memories WHERE %s", where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, models.WrapError(models.ErrStore, err, "list count failed")
	}

	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d`,
		memoryColumns, where, len(args)-1, len(args))

	var rows []memoryRow
	err = s.db.SelectContext(ctx, &rows, query, args...)
	s.metrics.RecordOperation("vectorstore", "list", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "list failed")
	}

	items := make([]*models.Memory, 0, len(rows))
	for i := range rows {
		memory, err := rows[i].toMemory()
		if err != nil {
			return nil, models.WrapError(models.ErrStore, err, "list row decode failed")
		}
		items = append(items, memory)
	}
	return &models.MemoryPage{Items: items, Page: page, Size: size, Total: total}, nil
}

// Ping reports backend health.
func (s *PgVectorStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
