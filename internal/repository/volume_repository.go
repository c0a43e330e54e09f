package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

const volumeColumns = "id, name, base_image_id, path, size, created_at"

// VolumeRepository extends the generic Repository with volume-specific operations
type VolumeRepository interface {
	Repository[domain.Volume, string]

	Create(ctx context.Context, volume domain.Volume) (domain.Volume, error)
	FindByName(ctx context.Context, name string) (domain.Volume, error)
	// FindByRef accepts the name, the id or the overlay path
	FindByRef(ctx context.Context, ref string) (domain.Volume, error)
	FindByBaseImage(ctx context.Context, imageID string) ([]domain.Volume, error)
}

// volumeRepositoryImpl implements VolumeRepository
type volumeRepositoryImpl struct {
	db *sql.DB
}

// NewVolumeRepository creates a new volume repository
func NewVolumeRepository(db *sql.DB) VolumeRepository {
	return &volumeRepositoryImpl{
		db: db,
	}
}

func scanVolume(row rowScanner) (domain.Volume, error) {
	var v domain.Volume
	var createdAt sql.NullString
	if err := row.Scan(&v.ID, &v.Name, &v.BaseImageID, &v.Path, &v.Size, &createdAt); err != nil {
		return domain.Volume{}, err
	}
	v.CreatedAt = parseTimestamp(createdAt)
	return v, nil
}

func (r *volumeRepositoryImpl) findOne(ctx context.Context, field, value, query string, args ...any) (domain.Volume, error) {
	v, err := scanVolume(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Volume{}, notFound("volume", field, value)
		}
		return domain.Volume{}, storageError("find volume", err)
	}
	return v, nil
}

func (r *volumeRepositoryImpl) queryVolumes(ctx context.Context, op, query string, args ...any) ([]domain.Volume, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var volumes []domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, storageError("scan volume", err)
		}
		volumes = append(volumes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return volumes, nil
}

// Save creates a volume; volumes are immutable once created
func (r *volumeRepositoryImpl) Save(ctx context.Context, volume domain.Volume) (domain.Volume, error) {
	if volume.ID != "" {
		if exists, err := r.ExistsByID(ctx, volume.ID); err != nil {
			return domain.Volume{}, err
		} else if exists {
			return domain.Volume{}, fmt.Errorf("volume %s: %w", volume.ID, ErrDuplicate)
		}
	}
	return r.Create(ctx, volume)
}

// Create inserts a new volume row
func (r *volumeRepositoryImpl) Create(ctx context.Context, volume domain.Volume) (domain.Volume, error) {
	if volume.Name == "" || volume.BaseImageID == "" || volume.Path == "" {
		return domain.Volume{}, fmt.Errorf("volume name, base image and path are required: %w", ErrInvalidEntity)
	}
	if volume.ID == "" {
		volume.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO volumes (id, name, base_image_id, path, size, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		volume.ID, volume.Name, volume.BaseImageID, volume.Path, volume.Size, formatTimestamp(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Volume{}, fmt.Errorf("volume %s: %w", volume.Name, ErrDuplicate)
		}
		return domain.Volume{}, storageError("create volume", err)
	}

	return r.FindByID(ctx, volume.ID)
}

// FindByID retrieves a volume by its ID
func (r *volumeRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Volume, error) {
	return r.findOne(ctx, "ID", id, "SELECT "+volumeColumns+" FROM volumes WHERE id = ?", id)
}

// FindByName retrieves a volume by its name
func (r *volumeRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Volume, error) {
	return r.findOne(ctx, "name", name, "SELECT "+volumeColumns+" FROM volumes WHERE name = ?", name)
}

// FindByRef retrieves the first volume whose name, id or path equals ref
func (r *volumeRepositoryImpl) FindByRef(ctx context.Context, ref string) (domain.Volume, error) {
	return r.findOne(ctx, "reference", ref,
		"SELECT "+volumeColumns+" FROM volumes WHERE name = ? OR id = ? OR path = ? LIMIT 1", ref, ref, ref)
}

// FindByBaseImage lists the volumes backed by the given image
func (r *volumeRepositoryImpl) FindByBaseImage(ctx context.Context, imageID string) ([]domain.Volume, error) {
	return r.queryVolumes(ctx, "list volumes by base image",
		"SELECT "+volumeColumns+" FROM volumes WHERE base_image_id = ? ORDER BY name ASC", imageID)
}

// FindAll retrieves all volumes ordered by name
func (r *volumeRepositoryImpl) FindAll(ctx context.Context) ([]domain.Volume, error) {
	return r.queryVolumes(ctx, "list volumes", "SELECT "+volumeColumns+" FROM volumes ORDER BY name ASC")
}

// DeleteByID removes a volume row
func (r *volumeRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	return deleteRow(ctx, r.db, "volumes", "volume", id)
}

// ExistsByID checks if a volume exists by its ID
func (r *volumeRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	return existsRow(ctx, r.db, "volumes", "volume", id)
}
