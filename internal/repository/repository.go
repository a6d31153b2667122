// Package repository persists flags, their ordered rules and the evaluation
// audit trail. Postgres, SQLite and in-memory stores share one contract:
// flags are upserted by (name, environment) with the whole rule list replaced
// in a single transaction, and evaluations are append-only.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const maxEvaluationBatchSize = 1000

// ErrNotFound is returned when no flag matches a lookup.
var ErrNotFound = errors.New("not found")

// Flag is the stored form of a feature flag and its rules.
type Flag struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Environment string    `json:"environment"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Rule is one row of a flag's rule list. Position is assigned from slice order
// on save and rules are always returned in position order.
type Rule struct {
	ID       string          `json:"id" db:"id"`
	Name     string          `json:"name" db:"name"`
	Type     string          `json:"type" db:"type"`
	Config   json.RawMessage `json:"config" db:"config"`
	Position int             `json:"position" db:"position"`
}

// Evaluation is an audit row recording one evaluation outcome.
type Evaluation struct {
	ID          int64           `json:"id" db:"id"`
	FlagID      string          `json:"flag_id" db:"flag_id"`
	Environment string          `json:"environment" db:"environment"`
	Context     json.RawMessage `json:"context" db:"context"`
	Enabled     bool            `json:"enabled" db:"enabled"`
	Reason      string          `json:"reason" db:"reason"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Store is implemented by every backend.
type Store interface {
	FindByNameAndEnvironment(ctx context.Context, name, environment string) (Flag, error)
	SaveFlag(ctx context.Context, flag Flag) (Flag, error)
	RecordEvaluation(ctx context.Context, evaluation Evaluation) error
	GetEvaluations(ctx context.Context, flagID string) ([]Evaluation, error)
	Ping(ctx context.Context) error
	Close() error
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func cloneFlag(flag Flag) Flag {
	out := flag
	out.Rules = make([]Rule, len(flag.Rules))
	for i, rule := range flag.Rules {
		rule.Config = append(json.RawMessage(nil), rule.Config...)
		out.Rules[i] = rule
	}
	return out
}
