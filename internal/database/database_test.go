package database

import (
	"context"
	"path/filepath"
	"testing"

	"imigrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedEnvironment(t *testing.T, db *DB, id int64) *models.Environment {
	t.Helper()
	env := &models.Environment{
		ID:                id,
		Name:              "env",
		BaseURL:           "https://imis.example.org",
		Username:          "MigrationUser",
		APIVersion:        models.APIVersionV2,
		QueryConcurrency:  2,
		InsertConcurrency: 4,
	}
	require.NoError(t, db.UpsertEnvironment(context.Background(), env))
	return env
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestEnvironments_UpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedEnvironment(t, db, 1)

	env, err := db.GetEnvironmentByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "env", env.Name)
	assert.Equal(t, models.APIVersionV2, env.APIVersion)

	// Upsert overwrites in place.
	env.BaseURL = "https://staging.example.org"
	require.NoError(t, db.UpsertEnvironment(ctx, env))

	updated, err := db.GetEnvironmentByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.org", updated.BaseURL)

	_, err = db.GetEnvironmentByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvironments_List(t *testing.T) {
	db := setupTestDB(t)

	seedEnvironment(t, db, 2)
	seedEnvironment(t, db, 1)

	envs, err := db.ListEnvironments(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(1), envs[0].ID)
	assert.Equal(t, int64(2), envs[1].ID)
}

func TestEnvironmentSecrets_SaveAndLoad(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedEnvironment(t, db, 1)
	seedEnvironment(t, db, 2)

	require.NoError(t, db.SaveEnvironmentSecret(ctx, 1, "blob-one"))
	require.NoError(t, db.SaveEnvironmentSecret(ctx, 2, "blob-two"))
	require.NoError(t, db.SaveEnvironmentSecret(ctx, 1, "blob-one-rotated"))

	blobs, err := db.LoadEnvironmentSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "blob-one-rotated", 2: "blob-two"}, blobs)
}
