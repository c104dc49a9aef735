// Package db opens the gateway's SQLite database.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dirPermissions = 0o750

// ErrDatabaseError is returned when the database cannot be opened or prepared.
var ErrDatabaseError = errors.New("database error")

// Open opens (creating if needed) the SQLite database at path with
// foreign keys and WAL journaling enabled.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("%w: failed to create database directory: %w", ErrDatabaseError, err)
		}
	}

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	// Enable foreign keys
	if _, err := database.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable foreign keys: %w", ErrDatabaseError, err)
	}

	// Enable WAL mode for concurrent readers
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to set busy timeout: %w", ErrDatabaseError, err)
	}

	return database, nil
}

// Migrate executes a schema script.
func Migrate(ctx context.Context, database *sql.DB, schema string) error {
	if _, err := database.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabaseError, err)
	}
	return nil
}
