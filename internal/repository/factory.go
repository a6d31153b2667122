package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open builds the store selected by opts.Driver. Postgres schema changes are
// applied separately by the migrate command; SQLite migrates on open.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryRepository(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return NewPostgresRepository(pool, WithOwnedPool()), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}
