package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmx/internal/testutil"
)

func TestPreparedStatementCache(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPreparedStatementCache")
	defer cleanup()

	cache := NewPreparedStatementCache(db)
	ctx := context.Background()

	first, err := cache.Get(ctx, "SELECT COUNT(*) FROM images")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "SELECT COUNT(*) FROM images")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Size())

	// The driver prepares lazily, so a bad query is cached and fails on first use
	bad, err := cache.Get(ctx, "SELECT * FROM no_such_table")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Size())
	var n int
	assert.Error(t, bad.QueryRowContext(ctx).Scan(&n))

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Size())
}
