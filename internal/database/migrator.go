package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded migrations in filename order, recording
// each one in a schema_migrations ledger so reruns are no-ops.
type Migrator struct {
	db *sql.DB
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{db: conn.DB()}
}

func (m *Migrator) Migrate(ctx context.Context) ([]string, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	files, err := m.migrationFiles()
	if err != nil {
		return nil, err
	}

	var newlyApplied []string
	for _, filename := range files {
		if _, ok := applied[filename]; ok {
			continue
		}

		sqlText, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return newlyApplied, fmt.Errorf("read migration %s: %w", filename, err)
		}

		if err := m.apply(ctx, filename, string(sqlText)); err != nil {
			return newlyApplied, err
		}

		slog.Info("migration applied", "file", filename)
		newlyApplied = append(newlyApplied, filename)
	}

	return newlyApplied, nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	filename TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedSet(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, fmt.Errorf("scan applied migrations: %w", err)
		}
		applied[filename] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	return applied, nil
}

func (m *Migrator) migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)
	return files, nil
}

// apply runs one migration and records it in the same transaction, so a
// half-applied file never shows up as done.
func (m *Migrator) apply(ctx context.Context, filename, sqlText string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s): %w", filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("migration failed (%s): %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING", filename); err != nil {
		return fmt.Errorf("record migration (%s): %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration (%s): %w", filename, err)
	}
	return nil
}
