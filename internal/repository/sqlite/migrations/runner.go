package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// Run applies every embedded migration that has not been applied yet, in
// filename order. Applied filenames are tracked in schema_migrations, so
// running at every startup is safe.
func Run(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := appliedSet(ctx, db)
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}

	for _, name := range sqlFiles() {
		if applied[name] {
			continue
		}
		if err := apply(ctx, db, name); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		slog.Info("migration applied", "file", name)
	}
	return nil
}

func appliedSet(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// sqlFiles lists the embedded migrations in apply order. The FS only holds
// files matching *.sql, so a read failure here means a broken build.
func sqlFiles() []string {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		panic(fmt.Sprintf("read embedded migrations: %v", err))
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// apply runs one migration file and records it in the same transaction, so
// a failed migration leaves no partial schema and no bogus tracking row.
func apply(ctx context.Context, db *sql.DB, name string) error {
	content, err := fs.ReadFile(FS, name)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("execute sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
