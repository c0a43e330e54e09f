package datastore

import (
	"context"
	"database/sql"
	"time"
)

// OptimizeDatabaseConnection sizes the connection pool for a single local writer
func OptimizeDatabaseConnection(db *sql.DB) {
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
}

// ApplyPragmaOptimizations applies SQLite pragmas for on-disk databases
func ApplyPragmaOptimizations(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // CLI and API processes read while one writes
		"PRAGMA busy_timeout = 5000",  // wait for the writer instead of failing with SQLITE_BUSY
		"PRAGMA synchronous = NORMAL", // safe with WAL
		"PRAGMA temp_store = MEMORY",
		"PRAGMA optimize",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}

	return nil
}
