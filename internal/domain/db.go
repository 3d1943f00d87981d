package domain

import "context"

// Database defines lifecycle operations for the metadata store backend.
// The implementation owns its own migration files and strategy; store
// unavailability is fatal to the pipeline (fail fast, never proceed with
// unpersisted state).
type Database interface {
	Migrate(ctx context.Context) error
	Close() error
}
