package repository_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/repository/repositorytest"
)

func TestMemoryRepository(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Store {
		return repository.NewMemoryRepository()
	})
}

func TestSQLiteRepository(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Store {
		repo, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "flagkit.db"))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, repo.Close()) })
		return repo
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	memory, err := repository.Open(ctx, repository.Options{Driver: repository.DriverMemory})
	require.NoError(t, err)
	require.IsType(t, &repository.MemoryRepository{}, memory)

	sqlite, err := repository.Open(ctx, repository.Options{
		Driver:     repository.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "open.db"),
	})
	require.NoError(t, err)
	require.IsType(t, &repository.SQLiteRepository{}, sqlite)
	require.NoError(t, sqlite.Close())

	_, err = repository.Open(ctx, repository.Options{Driver: "mongo"})
	require.ErrorContains(t, err, `unsupported store driver "mongo"`)
}
