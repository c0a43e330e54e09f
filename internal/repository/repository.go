package repository

import (
	"context"
	"database/sql"
	"time"
)

// Repository defines the basic CRUD operations for any entity type.
type Repository[T any, ID comparable] interface {
	// Save creates or updates an entity
	Save(ctx context.Context, entity T) (T, error)

	// FindByID retrieves an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	FindByID(ctx context.Context, id ID) (T, error)

	// FindAll retrieves all entities
	FindAll(ctx context.Context) ([]T, error)

	// DeleteByID deletes an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	DeleteByID(ctx context.Context, id ID) error

	// ExistsByID checks if an entity exists by its ID
	ExistsByID(ctx context.Context, id ID) (bool, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// timestampLayouts covers values written by this package and SQLite's CURRENT_TIMESTAMP
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTimestamp(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t
		}
	}
	return time.Time{}
}

// storedTimestampLayout is fixed width so stored values sort chronologically as text
const storedTimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(storedTimestampLayout)
}

// deleteRow deletes by primary key and reports ErrNotFound when nothing matched
func deleteRow(ctx context.Context, db *sql.DB, table, kind, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return storageError("delete "+kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete "+kind, err)
	}
	if n == 0 {
		return notFound(kind, "ID", id)
	}
	return nil
}

func existsRow(ctx context.Context, db *sql.DB, table, kind, id string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, storageError("check "+kind+" existence", err)
	}
	return count > 0, nil
}
