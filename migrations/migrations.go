// Package migrations embeds the database schema and applies it with
// golang-migrate. The embedding dimension is fixed per deployment, so
// the SQL carries a {{DIM}} placeholder that is substituted before the
// migrations run.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

const dimPlaceholder = "{{DIM}}"

// Render returns an in-memory filesystem with the migration SQL,
// {{DIM}} replaced by the configured embedding dimension.
func Render(dimensions int) (fs.FS, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dimensions)
	}
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	rendered := memFS{}
	for _, entry := range entries {
		raw, err := fs.ReadFile(files, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		rendered[entry.Name()] = []byte(
			strings.ReplaceAll(string(raw), dimPlaceholder, strconv.Itoa(dimensions)))
	}
	return rendered, nil
}

// Run applies all pending migrations against the database.
func Run(db *sql.DB, dimensions int) error {
	rendered, err := Render(dimensions)
	if err != nil {
		return err
	}
	source, err := iofs.New(rendered, ".")
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("opening migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
