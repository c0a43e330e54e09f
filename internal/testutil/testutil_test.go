package testutil

import (
	"testing"
)

func TestSetupTestDB(t *testing.T) {
	db, cleanup := SetupTestDB(t, "TestSetupTestDB")
	defer cleanup()

	if db == nil {
		t.Fatal("Expected non-nil database")
	}

	var result string
	if err := db.QueryRow("SELECT 'test'").Scan(&result); err != nil {
		t.Errorf("Test query failed: %v", err)
	}
	if result != "test" {
		t.Errorf("Expected 'test', got '%s'", result)
	}

	var fkEnabled bool
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if !fkEnabled {
		t.Error("Expected foreign keys to be enabled")
	}
}

func TestSetupTestDBWithMigrations(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations")
	defer cleanup()

	tables := []string{"schema_migrations", "virtual_machines", "images", "volumes"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("Error checking for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

func TestNewTestDSN(t *testing.T) {
	dsn := NewTestDSN("example")
	want := "file:example?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	if dsn != want {
		t.Errorf("Expected %q, got %q", want, dsn)
	}
}
