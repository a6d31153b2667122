package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores flags in PostgreSQL through a pgxpool.
type PostgresRepository struct {
	pool                *pgxpool.Pool
	evaluationBatchSize int
	ownsPool            bool
}

type PostgresOption func(*PostgresRepository)

// WithEvaluationBatchSize caps how many audit rows GetEvaluations returns.
func WithEvaluationBatchSize(n int) PostgresOption {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.evaluationBatchSize = n
		}
	}
}

// WithOwnedPool makes Close also close the pool.
func WithOwnedPool() PostgresOption {
	return func(r *PostgresRepository) {
		r.ownsPool = true
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:                pool,
		evaluationBatchSize: maxEvaluationBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// FindByNameAndEnvironment returns the flag with its rules in position order,
// or ErrNotFound.
func (r *PostgresRepository) FindByNameAndEnvironment(ctx context.Context, name, environment string) (Flag, error) {
	// Both reads must see the same committed SaveFlag.
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return Flag{}, fmt.Errorf("begin find flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var flag Flag
	err = tx.QueryRow(ctx, `
		SELECT id, name, environment, enabled, description, created_at, updated_at
		FROM flags
		WHERE name = $1 AND environment = $2
	`, name, environment).Scan(
		&flag.ID,
		&flag.Name,
		&flag.Environment,
		&flag.Enabled,
		&flag.Description,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, ErrNotFound
		}
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	rules, err := listRules(ctx, tx, flag.ID)
	if err != nil {
		return Flag{}, err
	}
	flag.Rules = rules

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit find flag tx: %w", err)
	}
	return flag, nil
}

// SaveFlag upserts the flag by (name, environment) and replaces its rule list
// in one transaction. The returned flag carries the stored id, which differs
// from flag.ID when a row for the pair already existed.
func (r *PostgresRepository) SaveFlag(ctx context.Context, flag Flag) (Flag, error) {
	id := strings.TrimSpace(flag.ID)
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin save flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := Flag{Rules: make([]Rule, 0, len(flag.Rules))}
	if err := tx.QueryRow(ctx, `
		INSERT INTO flags (id, name, environment, enabled, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, environment) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    description = EXCLUDED.description,
		    updated_at = NOW()
		RETURNING id, name, environment, enabled, description, created_at, updated_at
	`,
		id,
		flag.Name,
		flag.Environment,
		flag.Enabled,
		flag.Description,
	).Scan(
		&saved.ID,
		&saved.Name,
		&saved.Environment,
		&saved.Enabled,
		&saved.Description,
		&saved.CreatedAt,
		&saved.UpdatedAt,
	); err != nil {
		return Flag{}, fmt.Errorf("upsert flag: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE flag_id = $1`, saved.ID); err != nil {
		return Flag{}, fmt.Errorf("delete rules: %w", err)
	}

	batch := &pgx.Batch{}
	for position, rule := range flag.Rules {
		rule.Position = position
		rule.Config = ensureJSON(rule.Config, "{}")
		batch.Queue(`
			INSERT INTO rules (flag_id, id, name, type, config, position)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, saved.ID, rule.ID, rule.Name, rule.Type, rule.Config, rule.Position)
		saved.Rules = append(saved.Rules, rule)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Flag{}, fmt.Errorf("insert rules: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit save flag tx: %w", err)
	}

	return saved, nil
}

func (r *PostgresRepository) RecordEvaluation(ctx context.Context, evaluation Evaluation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO evaluations (flag_id, environment, context, enabled, reason)
		VALUES ($1, $2, $3, $4, $5)
	`,
		evaluation.FlagID,
		evaluation.Environment,
		ensureJSON(evaluation.Context, "{}"),
		evaluation.Enabled,
		evaluation.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}

	return nil
}

// GetEvaluations returns the newest evaluations for a flag first.
func (r *PostgresRepository) GetEvaluations(ctx context.Context, flagID string) ([]Evaluation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flag_id, environment, context, enabled, reason, created_at
		FROM evaluations
		WHERE flag_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, flagID, r.evaluationBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	evaluations := make([]Evaluation, 0)
	for rows.Next() {
		var evaluation Evaluation
		if err := rows.Scan(
			&evaluation.ID,
			&evaluation.FlagID,
			&evaluation.Environment,
			&evaluation.Context,
			&evaluation.Enabled,
			&evaluation.Reason,
			&evaluation.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}

		evaluations = append(evaluations, evaluation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list evaluations rows: %w", err)
	}

	return evaluations, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	if r.ownsPool {
		r.pool.Close()
	}
	return nil
}

func listRules(ctx context.Context, tx pgx.Tx, flagID string) ([]Rule, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, name, type, config, position
		FROM rules
		WHERE flag_id = $1
		ORDER BY position
	`, flagID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, pgx.RowToStructByName[Rule])
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}

	return rules, nil
}
