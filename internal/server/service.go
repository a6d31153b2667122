package server

import (
	"context"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/service"
)

type Service interface {
	FindFlag(ctx context.Context, name, environment string) (core.Flag, error)
	CreateFlag(ctx context.Context, params service.CreateFlagParams) (core.Flag, error)
	UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	Evaluate(ctx context.Context, name, environment string, evalCtx core.EvaluationContext) (core.Result, error)
	BulkEvaluate(ctx context.Context, names []string, environment string, evalCtx core.EvaluationContext) (map[string]core.Result, error)
	GetEvaluations(ctx context.Context, flagID string) ([]repository.Evaluation, error)
}

var _ Service = (*service.Service)(nil)
