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

const imageColumns = "id, repository, tag, size, path, format, digest, created_at"

// ImageRepository extends the generic Repository with image-specific operations
type ImageRepository interface {
	Repository[domain.Image, string]

	// Upsert inserts the image or, when (repository, tag) exists, updates its
	// size, path, format and digest in place
	Upsert(ctx context.Context, image domain.Image) (domain.Image, error)
	FindByRepositoryTag(ctx context.Context, repository, tag string) (domain.Image, error)
	FindByDigest(ctx context.Context, digest string) (domain.Image, error)
	FindByPath(ctx context.Context, path string) (domain.Image, error)
	// FindByRef accepts repository[:tag], the id, or a digest
	FindByRef(ctx context.Context, ref string) (domain.Image, error)
}

// imageRepositoryImpl implements ImageRepository
type imageRepositoryImpl struct {
	db *sql.DB
}

// NewImageRepository creates a new image repository
func NewImageRepository(db *sql.DB) ImageRepository {
	return &imageRepositoryImpl{
		db: db,
	}
}

func scanImage(row rowScanner) (domain.Image, error) {
	var img domain.Image
	var createdAt sql.NullString
	err := row.Scan(&img.ID, &img.Repository, &img.Tag, &img.Size, &img.Path, &img.Format, &img.Digest, &createdAt)
	if err != nil {
		return domain.Image{}, err
	}
	img.CreatedAt = parseTimestamp(createdAt)
	return img, nil
}

func (r *imageRepositoryImpl) findOne(ctx context.Context, field, value, query string, args ...any) (domain.Image, error) {
	img, err := scanImage(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Image{}, notFound("image", field, value)
		}
		return domain.Image{}, storageError("find image", err)
	}
	return img, nil
}

// Save upserts the image
func (r *imageRepositoryImpl) Save(ctx context.Context, image domain.Image) (domain.Image, error) {
	return r.Upsert(ctx, image)
}

// Upsert inserts or updates an image keyed by (repository, tag)
func (r *imageRepositoryImpl) Upsert(ctx context.Context, image domain.Image) (domain.Image, error) {
	if image.Repository == "" || image.Path == "" {
		return domain.Image{}, fmt.Errorf("image repository and path are required: %w", ErrInvalidEntity)
	}
	if image.Tag == "" {
		image.Tag = domain.DefaultTag
	}
	if image.Format == "" {
		image.Format = "qcow2"
	}
	if image.ID == "" {
		image.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO images (id, repository, tag, size, path, format, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, tag) DO UPDATE SET
			size = excluded.size,
			path = excluded.path,
			format = excluded.format,
			digest = excluded.digest`,
		image.ID, image.Repository, image.Tag, image.Size, image.Path, image.Format, image.Digest,
		formatTimestamp(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Image{}, fmt.Errorf("image %s: %w", image.ID, ErrDuplicate)
		}
		return domain.Image{}, storageError("save image", err)
	}

	return r.FindByRepositoryTag(ctx, image.Repository, image.Tag)
}

// FindByID retrieves an image by its ID
func (r *imageRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Image, error) {
	return r.findOne(ctx, "ID", id, "SELECT "+imageColumns+" FROM images WHERE id = ?", id)
}

// FindByRepositoryTag retrieves an image by its unique (repository, tag) pair
func (r *imageRepositoryImpl) FindByRepositoryTag(ctx context.Context, repository, tag string) (domain.Image, error) {
	return r.findOne(ctx, "reference", repository+":"+tag,
		"SELECT "+imageColumns+" FROM images WHERE repository = ? AND tag = ?", repository, tag)
}

// FindByDigest retrieves an image by its registry layer digest
func (r *imageRepositoryImpl) FindByDigest(ctx context.Context, digest string) (domain.Image, error) {
	if digest == "" {
		return domain.Image{}, notFound("image", "digest", digest)
	}
	return r.findOne(ctx, "digest", digest, "SELECT "+imageColumns+" FROM images WHERE digest = ? LIMIT 1", digest)
}

// FindByPath retrieves the first image stored at path
func (r *imageRepositoryImpl) FindByPath(ctx context.Context, path string) (domain.Image, error) {
	return r.findOne(ctx, "path", path, "SELECT "+imageColumns+" FROM images WHERE path = ? ORDER BY created_at ASC LIMIT 1", path)
}

// FindByRef retrieves the first image matching repository[:tag], id or digest
func (r *imageRepositoryImpl) FindByRef(ctx context.Context, ref string) (domain.Image, error) {
	repository, tag := domain.ParseImageRef(ref)
	return r.findOne(ctx, "reference", ref, `
		SELECT `+imageColumns+` FROM images
		WHERE (repository = ? AND tag = ?) OR id = ? OR (digest != '' AND digest = ?)
		LIMIT 1`, repository, tag, ref, ref)
}

// FindAll retrieves all images ordered by repository and tag
func (r *imageRepositoryImpl) FindAll(ctx context.Context) ([]domain.Image, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+imageColumns+" FROM images ORDER BY repository ASC, tag ASC")
	if err != nil {
		return nil, storageError("list images", err)
	}
	defer rows.Close()

	var images []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, storageError("scan image", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list images", err)
	}
	return images, nil
}

// DeleteByID removes an image row; dependent volume rows cascade
func (r *imageRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	return deleteRow(ctx, r.db, "images", "image", id)
}

// ExistsByID checks if an image exists by its ID
func (r *imageRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	return existsRow(ctx, r.db, "images", "image", id)
}
