package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/matt-riley/flagkit/migrations"
)

const sqliteDriver = "sqlite3"

// SQLiteRepository stores flags in a single SQLite file. The pool is limited
// to one connection, so every statement inside a transaction must go through
// that transaction.
type SQLiteRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

type sqliteFlagRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Environment string    `db:"environment"`
	Enabled     bool      `db:"enabled"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type sqliteRuleRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Type     string `db:"type"`
	Config   string `db:"config"`
	Position int    `db:"position"`
}

type sqliteEvaluationRow struct {
	ID          int64     `db:"id"`
	FlagID      string    `db:"flag_id"`
	Environment string    `db:"environment"`
	Context     string    `db:"context"`
	Enabled     bool      `db:"enabled"`
	Reason      string    `db:"reason"`
	CreatedAt   time.Time `db:"created_at"`
}

// OpenSQLite opens (creating if needed) the database at path and applies any
// pending migrations. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sqlx.Open(sqliteDriver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	if _, err := MigrateSQLite(ctx, db, migrations.FS, migrations.SQLiteDir); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "file:")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (r *SQLiteRepository) DB() *sql.DB {
	return r.db.DB
}

func (r *SQLiteRepository) FindByNameAndEnvironment(ctx context.Context, name, environment string) (Flag, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Flag{}, fmt.Errorf("begin find flag tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sq.Select("id", "name", "environment", "enabled", "description", "created_at", "updated_at").
		From("flags").
		Where(sq.Eq{"name": name, "environment": environment}).
		ToSql()
	if err != nil {
		return Flag{}, err
	}

	var row sqliteFlagRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flag{}, ErrNotFound
		}
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	rules, err := selectRules(ctx, tx, row.ID)
	if err != nil {
		return Flag{}, err
	}

	return row.toFlag(rules), tx.Commit()
}

// SaveFlag upserts by (name, environment) and rewrites the rule list in the
// same transaction.
func (r *SQLiteRepository) SaveFlag(ctx context.Context, flag Flag) (Flag, error) {
	id := strings.TrimSpace(flag.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Flag{}, fmt.Errorf("begin save flag tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sq.Insert("flags").
		Columns("id", "name", "environment", "enabled", "description", "created_at", "updated_at").
		Values(id, flag.Name, flag.Environment, flag.Enabled, flag.Description, now, now).
		Suffix(`ON CONFLICT (name, environment) DO UPDATE
			SET enabled = excluded.enabled,
			    description = excluded.description,
			    updated_at = excluded.updated_at
			RETURNING id`).
		ToSql()
	if err != nil {
		return Flag{}, err
	}

	var storedID string
	if err := tx.GetContext(ctx, &storedID, query, args...); err != nil {
		return Flag{}, fmt.Errorf("upsert flag: %w", err)
	}

	query, args, err = sq.Delete("rules").Where(sq.Eq{"flag_id": storedID}).ToSql()
	if err != nil {
		return Flag{}, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return Flag{}, fmt.Errorf("delete rules: %w", err)
	}

	if len(flag.Rules) > 0 {
		insert := sq.Insert("rules").Columns("flag_id", "id", "name", "type", "config", "position")
		for position, rule := range flag.Rules {
			insert = insert.Values(storedID, rule.ID, rule.Name, rule.Type, string(ensureJSON(rule.Config, "{}")), position)
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return Flag{}, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return Flag{}, fmt.Errorf("insert rules: %w", err)
		}
	}

	query, args, err = sq.Select("id", "name", "environment", "enabled", "description", "created_at", "updated_at").
		From("flags").
		Where(sq.Eq{"id": storedID}).
		ToSql()
	if err != nil {
		return Flag{}, err
	}
	var row sqliteFlagRow
	if err := tx.GetContext(ctx, &row, query, args...); err != nil {
		return Flag{}, fmt.Errorf("reload flag: %w", err)
	}
	rules, err := selectRules(ctx, tx, storedID)
	if err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(); err != nil {
		return Flag{}, fmt.Errorf("commit save flag tx: %w", err)
	}

	return row.toFlag(rules), nil
}

func (r *SQLiteRepository) RecordEvaluation(ctx context.Context, evaluation Evaluation) error {
	query, args, err := sq.Insert("evaluations").
		Columns("flag_id", "environment", "context", "enabled", "reason", "created_at").
		Values(
			evaluation.FlagID,
			evaluation.Environment,
			string(ensureJSON(evaluation.Context, "{}")),
			evaluation.Enabled,
			evaluation.Reason,
			r.now().UTC(),
		).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// GetEvaluations returns the newest evaluations first.
func (r *SQLiteRepository) GetEvaluations(ctx context.Context, flagID string) ([]Evaluation, error) {
	query, args, err := sq.Select("id", "flag_id", "environment", "context", "enabled", "reason", "created_at").
		From("evaluations").
		Where(sq.Eq{"flag_id": flagID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(maxEvaluationBatchSize).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []sqliteEvaluationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	evaluations := make([]Evaluation, 0, len(rows))
	for _, row := range rows {
		evaluations = append(evaluations, Evaluation{
			ID:          row.ID,
			FlagID:      row.FlagID,
			Environment: row.Environment,
			Context:     []byte(row.Context),
			Enabled:     row.Enabled,
			Reason:      row.Reason,
			CreatedAt:   row.CreatedAt,
		})
	}
	return evaluations, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func selectRules(ctx context.Context, tx *sqlx.Tx, flagID string) ([]Rule, error) {
	query, args, err := sq.Select("id", "name", "type", "config", "position").
		From("rules").
		Where(sq.Eq{"flag_id": flagID}).
		OrderBy("position").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []sqliteRuleRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, Rule{
			ID:       row.ID,
			Name:     row.Name,
			Type:     row.Type,
			Config:   []byte(row.Config),
			Position: row.Position,
		})
	}
	return rules, nil
}

func (row sqliteFlagRow) toFlag(rules []Rule) Flag {
	return Flag{
		ID:          row.ID,
		Name:        row.Name,
		Environment: row.Environment,
		Enabled:     row.Enabled,
		Description: row.Description,
		Rules:       rules,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}
