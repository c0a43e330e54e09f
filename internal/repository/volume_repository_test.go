package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/testutil"
)

func TestVolumeRepository_CreateAndFind(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVolumeRepository_CreateAndFind")
	defer cleanup()

	images := NewImageRepository(db)
	repo := NewVolumeRepository(db)
	ctx := context.Background()

	img, err := images.Upsert(ctx, domain.Image{Repository: "alpine", Path: "/alpine.img"})
	require.NoError(t, err)

	vol, err := repo.Create(ctx, domain.Volume{Name: "data", BaseImageID: img.ID, Path: "/volumes/data.qcow2", Size: "20G"})
	require.NoError(t, err)
	assert.NotEmpty(t, vol.ID)
	assert.Equal(t, "20G", vol.Size)

	for _, ref := range []string{"data", vol.ID, "/volumes/data.qcow2"} {
		found, err := repo.FindByRef(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, vol.ID, found.ID)
	}

	backed, err := repo.FindByBaseImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Len(t, backed, 1)

	_, err = repo.FindByRef(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVolumeRepository_Duplicate(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVolumeRepository_Duplicate")
	defer cleanup()

	images := NewImageRepository(db)
	repo := NewVolumeRepository(db)
	ctx := context.Background()

	img, err := images.Upsert(ctx, domain.Image{Repository: "alpine", Path: "/alpine.img"})
	require.NoError(t, err)

	vol, err := repo.Save(ctx, domain.Volume{Name: "data", BaseImageID: img.ID, Path: "/volumes/data.qcow2"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, domain.Volume{Name: "data", BaseImageID: img.ID, Path: "/volumes/other.qcow2"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.Save(ctx, vol)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.Create(ctx, domain.Volume{Name: "nobase"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestVolumeRepository_RequiresExistingBaseImage(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVolumeRepository_RequiresExistingBaseImage")
	defer cleanup()

	repo := NewVolumeRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, domain.Volume{Name: "orphan", BaseImageID: "missing", Path: "/volumes/orphan.qcow2"})
	assert.Error(t, err)
}

func TestVolumeRepository_DeleteByID(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestVolumeRepository_DeleteByID")
	defer cleanup()

	images := NewImageRepository(db)
	repo := NewVolumeRepository(db)
	ctx := context.Background()

	img, err := images.Upsert(ctx, domain.Image{Repository: "alpine", Path: "/alpine.img"})
	require.NoError(t, err)
	vol, err := repo.Create(ctx, domain.Volume{Name: "data", BaseImageID: img.ID, Path: "/volumes/data.qcow2"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByID(ctx, vol.ID))

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.ErrorIs(t, repo.DeleteByID(ctx, vol.ID), ErrNotFound)
}
