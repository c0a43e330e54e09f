package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/jbweber/homelab/vmx/internal/migrations"
	_ "modernc.org/sqlite"
)

// NewTestDSN generates a DSN for a named in-memory SQLite database with foreign keys
// enforced on every pooled connection.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", testName)
}

// SetupTestDB creates and returns a test database connection
func SetupTestDB(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, err := sql.Open("sqlite", NewTestDSN(testName))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// Ping so the shared in-memory database exists before the first query
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to reach test database: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	}

	return db, cleanup
}

// SetupTestDBWithMigrations creates a test database with the full schema applied
func SetupTestDBWithMigrations(t *testing.T, testName string) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := SetupTestDB(t, testName)

	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.All() {
		migrator.AddMigration(migration)
	}
	if err := migrator.RunMigrations(context.Background()); err != nil {
		cleanup()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db, cleanup
}
