package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/migrations"
)

func newMigrateCmd() *cobra.Command {
	var driver, databaseURL, sqlitePath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if driver != "" {
				cfg.StoreDriver = driver
			}
			if databaseURL != "" {
				cfg.DatabaseURL = databaseURL
			}
			if sqlitePath != "" {
				cfg.SQLitePath = sqlitePath
			}
			return migrateStore(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "store driver (overrides STORE_DRIVER)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite file (overrides SQLITE_PATH)")

	return cmd
}

func migrateStore(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.StoreDriver {
	case repository.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", cfg.StoreDriver)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		return runMigrations(ctx, pool)
	case repository.DriverSQLite:
		store, err := repository.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("migrations applied", "driver", cfg.StoreDriver, "path", cfg.SQLitePath)
		return store.Close()
	case repository.DriverMemory:
		slog.Info("memory store has no schema; nothing to migrate")
		return nil
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, migrations.PostgresDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("migrations applied", "driver", repository.DriverPostgres)
	return nil
}
