// Package datastore owns the SQLite handle and the repositories built on it.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/homelab/vmx/internal/migrations"
	"github.com/jbweber/homelab/vmx/internal/repository"
	_ "modernc.org/sqlite"
)

// Datastore is the explicitly constructed state store handed to every component.
type Datastore struct {
	DB      *sql.DB
	VMs     repository.VMRepository
	Images  repository.ImageRepository
	Volumes repository.VolumeRepository
}

// New opens dsn, enables foreign keys and applies every pending migration.
// A migration failure is returned and the handle is closed.
func New(ctx context.Context, dsn string) (*Datastore, error) {
	db, err := sql.Open("sqlite", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Datastore{
		DB:      db,
		VMs:     repository.NewVMRepository(db),
		Images:  repository.NewImageRepository(db),
		Volumes: repository.NewVolumeRepository(db),
	}, nil
}

// Open creates the parent directory of a file database, opens it with New and
// applies the connection tuning used for on-disk databases.
func Open(ctx context.Context, path string) (*Datastore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	ds, err := New(ctx, "file:"+path)
	if err != nil {
		return nil, err
	}

	OptimizeDatabaseConnection(ds.DB)
	if err := ApplyPragmaOptimizations(ctx, ds.DB); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	return ds, nil
}

// Close releases cached statements and the database handle
func (ds *Datastore) Close() error {
	return errors.Join(ds.VMs.Close(), ds.DB.Close())
}

// withForeignKeys adds the driver pragma so every pooled connection enforces
// foreign keys, not only the one that ran PRAGMA foreign_keys.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.All() {
		migrator.AddMigration(migration)
	}
	return migrator.RunMigrations(ctx)
}
