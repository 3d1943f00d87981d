package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/saperet/photoset/internal/domain"
	"github.com/saperet/photoset/internal/repository/sqlite/migrations"
)

// DB wraps the SQLite handle and hands out repositories. It implements
// domain.Database.
type DB struct {
	SqlDB *sql.DB
}

// New opens a SQLite database at the given path and configures it for use.
// It enables WAL mode and foreign keys.
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode so committed upserts survive a crash and readers are
	// not blocked mid-transaction.
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and this makes
	// the read-then-write windows of status transitions atomic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{SqlDB: db}, nil
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return migrations.Run(ctx, db.SqlDB)
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.SqlDB.Close()
}

// Records returns the image record repository.
func (db *DB) Records() domain.RecordRepository {
	return &recordRepo{db: db.SqlDB}
}
