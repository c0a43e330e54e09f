package migrations

import (
	"database/sql"
)

// All returns every schema migration in version order
func All() []Migration {
	var all []Migration
	all = append(all, GetInitialMigrations()...)
	all = append(all, GetIndexMigrations()...)
	all = append(all, GetSnapshotMigrations()...)
	return all
}

// GetInitialMigrations returns the table-creating migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_virtual_machines_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS virtual_machines (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						bridge TEXT NOT NULL DEFAULT '',
						mac_address TEXT NOT NULL UNIQUE,
						memory TEXT NOT NULL,
						cpus INTEGER NOT NULL,
						cpu TEXT NOT NULL,
						disk_size TEXT NOT NULL DEFAULT '',
						drive_path TEXT NOT NULL DEFAULT '',
						disk_format TEXT NOT NULL DEFAULT 'raw',
						iso_path TEXT NOT NULL DEFAULT '',
						port_forward TEXT NOT NULL DEFAULT '',
						version TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT 'STOPPED',
						pid INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS virtual_machines`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_images_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS images (
						id TEXT PRIMARY KEY,
						repository TEXT NOT NULL,
						tag TEXT NOT NULL,
						size INTEGER NOT NULL DEFAULT 0,
						path TEXT NOT NULL,
						format TEXT NOT NULL DEFAULT 'qcow2',
						digest TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						UNIQUE(repository, tag)
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS images`)
				return err
			},
		},
		{
			Version: 3,
			Name:    "create_volumes_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS volumes (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						base_image_id TEXT NOT NULL,
						path TEXT NOT NULL,
						size TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (base_image_id) REFERENCES images(id) ON DELETE CASCADE
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS volumes`)
				return err
			},
		},
		{
			Version: 4,
			Name:    "add_volume_to_virtual_machines",
			Up: func(tx *sql.Tx) error {
				// Skip when the column already exists so a hand-migrated database still upgrades
				var count int
				err := tx.QueryRow("SELECT COUNT(*) FROM pragma_table_info('virtual_machines') WHERE name='volume'").Scan(&count)
				if err != nil {
					return err
				}
				if count > 0 {
					return nil
				}
				_, err = tx.Exec(`ALTER TABLE virtual_machines ADD COLUMN volume TEXT NOT NULL DEFAULT ''`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE virtual_machines DROP COLUMN volume`)
				return err
			},
		},
	}
}

// GetIndexMigrations returns lookup index migrations
func GetIndexMigrations() []Migration {
	indices := []struct{ name, create string }{
		{"idx_virtual_machines_status", "CREATE INDEX IF NOT EXISTS idx_virtual_machines_status ON virtual_machines(status)"},
		{"idx_images_digest", "CREATE INDEX IF NOT EXISTS idx_images_digest ON images(digest)"},
		{"idx_volumes_base_image_id", "CREATE INDEX IF NOT EXISTS idx_volumes_base_image_id ON volumes(base_image_id)"},
		{"idx_volumes_path", "CREATE INDEX IF NOT EXISTS idx_volumes_path ON volumes(path)"},
	}

	return []Migration{
		{
			Version: 10,
			Name:    "add_lookup_indices",
			Up: func(tx *sql.Tx) error {
				for _, idx := range indices {
					if _, err := tx.Exec(idx.create); err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				for _, idx := range indices {
					if _, err := tx.Exec("DROP INDEX IF EXISTS " + idx.name); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// GetSnapshotMigrations adds the throwaway-writes flag to virtual machines
func GetSnapshotMigrations() []Migration {
	return []Migration{
		{
			Version: 11,
			Name:    "add_snapshot_to_virtual_machines",
			Up: func(tx *sql.Tx) error {
				var count int
				err := tx.QueryRow("SELECT COUNT(*) FROM pragma_table_info('virtual_machines') WHERE name='snapshot'").Scan(&count)
				if err != nil {
					return err
				}
				if count > 0 {
					return nil
				}
				_, err = tx.Exec(`ALTER TABLE virtual_machines ADD COLUMN snapshot INTEGER NOT NULL DEFAULT 0`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE virtual_machines DROP COLUMN snapshot`)
				return err
			},
		},
	}
}
