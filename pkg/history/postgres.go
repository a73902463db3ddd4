package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
)

// PostgresStore implements Store on the memory_history table.
type PostgresStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPostgresStore creates a history store over an existing pool.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &PostgresStore{db: db, logger: logger.WithPrefix("history"), metrics: metrics}, nil
}

// Append writes one event.
func (s *PostgresStore) Append(ctx context.Context, event *models.HistoryEvent) error {
	started := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_history (
			event_id, memory_id, op, prev_text, new_text, actor,
			org_id, project_id, user_id, agent_id, run_id, app_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.EventID, event.MemoryID, string(event.Op),
		event.PrevText, event.NewText, event.Actor,
		event.Scope.OrgID, event.Scope.ProjectID, event.Scope.UserID,
		event.Scope.AgentID, event.Scope.RunID, event.Scope.AppID,
		event.CreatedAt,
	)
	s.metrics.RecordOperation("history", "append", err == nil, time.Since(started))
	if err != nil {
		return models.WrapError(models.ErrStore, err, "history append failed")
	}
	return nil
}

type eventRow struct {
	EventID   string    `db:"event_id"`
	MemoryID  string    `db:"memory_id"`
	Op        string    `db:"op"`
	PrevText  string    `db:"prev_text"`
	NewText   string    `db:"new_text"`
	Actor     string    `db:"actor"`
	OrgID     string    `db:"org_id"`
	ProjectID string    `db:"project_id"`
	UserID    string    `db:"user_id"`
	AgentID   string    `db:"agent_id"`
	RunID     string    `db:"run_id"`
	AppID     string    `db:"app_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ForMemory returns all events of one memory in scope, oldest first.
func (s *PostgresStore) ForMemory(ctx context.Context, scope models.Scope, memoryID string) ([]models.HistoryEvent, error) {
	started := time.Now()

	args := []interface{}{memoryID}
	clauses := []string{"memory_id = $1"}
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

	query := fmt.Sprintf(`
		SELECT event_id, memory_id, op, prev_text, new_text, actor,
		       org_id, project_id, user_id, agent_id, run_id, app_id, created_at
		FROM memory_history
		WHERE %s
		ORDER BY created_at ASC, event_id ASC`, strings.Join(clauses, " AND "))

	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, query, args...)
	s.metrics.RecordOperation("history", "for_memory", err == nil, time.Since(started))
	if err != nil {
		return nil, models.WrapError(models.ErrStore, err, "history query failed")
	}

	out := make([]models.HistoryEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.HistoryEvent{
			EventID:  row.EventID,
			MemoryID: row.MemoryID,
			Op:       models.MemoryOp(row.Op),
			PrevText: row.PrevText,
			NewText:  row.NewText,
			Actor:    row.Actor,
			Scope: models.Scope{
				OrgID:     row.OrgID,
				ProjectID: row.ProjectID,
				UserID:    row.UserID,
				AgentID:   row.AgentID,
				RunID:     row.RunID,
				AppID:     row.AppID,
			},
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Ping reports backend health.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
