// Package service loads flags from a store, evaluates them against a request
// context and records every computed decision in the audit trail. Decisions
// are memoised per (environment, flag, context) for a short TTL.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/flagkit/internal/cache"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/repository"
)

const (
	DefaultAuditTimeout    = 2 * time.Second
	DefaultBulkConcurrency = 8

	tracerName = "github.com/matt-riley/flagkit/internal/service"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrMissingFlagName    = fmt.Errorf("%w: flag name is required", ErrInvalidInput)
	ErrMissingEnvironment = fmt.Errorf("%w: environment is required", ErrInvalidInput)
	ErrFlagNotFound       = errors.New("feature flag not found")
)

// Repository is the subset of repository.Store the service needs.
type Repository interface {
	FindByNameAndEnvironment(ctx context.Context, name, environment string) (repository.Flag, error)
	SaveFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	RecordEvaluation(ctx context.Context, evaluation repository.Evaluation) error
	GetEvaluations(ctx context.Context, flagID string) ([]repository.Evaluation, error)
}

// MetricsRecorder receives evaluation counters. *metrics.Metrics satisfies it.
type MetricsRecorder interface {
	RecordEvaluation(reason string, enabled bool)
	RecordCacheLookup(hit bool)
	RecordAuditFailure()
}

type noopMetrics struct{}

func (noopMetrics) RecordEvaluation(string, bool) {}
func (noopMetrics) RecordCacheLookup(bool)        {}
func (noopMetrics) RecordAuditFailure()           {}

// CreateFlagParams describes a flag to create from wire-level rule definitions.
type CreateFlagParams struct {
	Name            string
	Environment     string
	RuleDefinitions []core.RuleDefinition
	Enabled         bool
	Description     string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithCacheTTL replaces the decision cache with one using ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache.New[string, core.Result](ttl)
	}
}

func WithCache(c *cache.TTLCache[string, core.Result]) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithKillSwitch controls whether a disabled flag short-circuits to
// {false, "disabled"} before its rules run.
func WithKillSwitch(enforce bool) Option {
	return func(s *Service) {
		s.enforceKillSwitch = enforce
	}
}

func WithBulkConcurrency(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.bulkConcurrency = limit
		}
	}
}

func WithAuditTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.auditTimeout = timeout
		}
	}
}

type Service struct {
	repo              Repository
	cache             *cache.TTLCache[string, core.Result]
	logger            *slog.Logger
	metrics           MetricsRecorder
	tracer            trace.Tracer
	enforceKillSwitch bool
	bulkConcurrency   int
	auditTimeout      time.Duration
}

func New(repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:              repo,
		cache:             cache.New[string, core.Result](cache.DefaultTTL),
		logger:            slog.Default(),
		metrics:           noopMetrics{},
		tracer:            otel.Tracer(tracerName),
		enforceKillSwitch: true,
		bulkConcurrency:   DefaultBulkConcurrency,
		auditTimeout:      DefaultAuditTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// CacheLen reports how many decisions are cached, including expired entries
// that have not been read since they lapsed.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// FindFlag returns the flag stored under name in environment.
func (s *Service) FindFlag(ctx context.Context, name, environment string) (core.Flag, error) {
	if err := validateKey(name, environment); err != nil {
		return core.Flag{}, err
	}

	stored, err := s.repo.FindByNameAndEnvironment(ctx, name, environment)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("find flag %q: %w", name, err)
	}

	flag, err := toCoreFlag(stored)
	if err != nil {
		return core.Flag{}, fmt.Errorf("decode flag %q rules: %w", name, err)
	}
	return flag, nil
}

// CreateFlag builds rules from their definitions and saves the flag. An
// existing flag with the same name and environment is replaced and keeps its
// id.
func (s *Service) CreateFlag(ctx context.Context, params CreateFlagParams) (core.Flag, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateFlag", trace.WithAttributes(
		attribute.String("flag.name", params.Name),
		attribute.String("flag.environment", params.Environment),
	))
	defer span.End()

	if err := validateKey(params.Name, params.Environment); err != nil {
		return core.Flag{}, recordSpanError(span, err)
	}

	rules, err := core.NewRules(params.RuleDefinitions)
	if err != nil {
		return core.Flag{}, recordSpanError(span, fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	flag := core.Flag{
		Name:        params.Name,
		Environment: params.Environment,
		Enabled:     params.Enabled,
		Description: params.Description,
		Rules:       rules,
	}
	saved, err := s.save(ctx, flag)
	if err != nil {
		return core.Flag{}, recordSpanError(span, err)
	}
	return saved, nil
}

// UpdateFlag replaces the stored metadata and rule list of flag in one write.
func (s *Service) UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateFlag", trace.WithAttributes(
		attribute.String("flag.name", flag.Name),
		attribute.String("flag.environment", flag.Environment),
	))
	defer span.End()

	if err := validateKey(flag.Name, flag.Environment); err != nil {
		return core.Flag{}, recordSpanError(span, err)
	}

	saved, err := s.save(ctx, flag)
	if err != nil {
		return core.Flag{}, recordSpanError(span, err)
	}
	return saved, nil
}

func (s *Service) save(ctx context.Context, flag core.Flag) (core.Flag, error) {
	seen := make(map[string]struct{}, len(flag.Rules))
	for _, rule := range flag.Rules {
		if rule == nil {
			return core.Flag{}, fmt.Errorf("%w: nil rule", ErrInvalidInput)
		}
		if _, dup := seen[rule.ID()]; dup {
			return core.Flag{}, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidInput, rule.ID())
		}
		seen[rule.ID()] = struct{}{}
	}

	saved, err := s.repo.SaveFlag(ctx, fromCoreFlag(flag))
	if err != nil {
		return core.Flag{}, fmt.Errorf("save flag %q: %w", flag.Name, err)
	}

	// Decisions computed from the previous rule list are stale now.
	s.cache.Clear()

	out, err := toCoreFlag(saved)
	if err != nil {
		return core.Flag{}, fmt.Errorf("decode flag %q rules: %w", flag.Name, err)
	}
	return out, nil
}

// Evaluate decides flag name for evalCtx. A cached decision is returned as is;
// a fresh one is audited and cached before it is returned.
func (s *Service) Evaluate(ctx context.Context, name, environment string, evalCtx core.EvaluationContext) (core.Result, error) {
	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("flag.name", name),
		attribute.String("flag.environment", environment),
	))
	defer span.End()

	flag, err := s.FindFlag(ctx, name, environment)
	if err != nil {
		return core.Result{}, recordSpanError(span, err)
	}

	result, err := s.evaluateFlag(ctx, flag, evalCtx)
	if err != nil {
		return core.Result{}, recordSpanError(span, err)
	}

	span.SetAttributes(
		attribute.Bool("flag.enabled", result.Enabled),
		attribute.String("flag.reason", result.Reason),
	)
	return result, nil
}

// BulkEvaluate evaluates every name against the same context. Unknown and
// blank names report {false, "not-found"} instead of failing the call. The
// map holds every result computed so far even when an error is returned.
func (s *Service) BulkEvaluate(ctx context.Context, names []string, environment string, evalCtx core.EvaluationContext) (map[string]core.Result, error) {
	ctx, span := s.tracer.Start(ctx, "service.BulkEvaluate", trace.WithAttributes(
		attribute.String("flag.environment", environment),
		attribute.Int("flag.count", len(names)),
	))
	defer span.End()

	results := make(map[string]core.Result, len(names))
	if strings.TrimSpace(environment) == "" {
		return results, recordSpanError(span, ErrMissingEnvironment)
	}

	var mu sync.Mutex
	store := func(name string, result core.Result) {
		mu.Lock()
		results[name] = result
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkConcurrency)

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if strings.TrimSpace(name) == "" {
			s.metrics.RecordEvaluation(core.ReasonNotFound, false)
			store(name, notFound())
			continue
		}

		g.Go(func() error {
			flag, err := s.FindFlag(gctx, name, environment)
			if errors.Is(err, ErrFlagNotFound) {
				s.metrics.RecordEvaluation(core.ReasonNotFound, false)
				store(name, notFound())
				return nil
			}
			if err != nil {
				return err
			}

			result, err := s.evaluateFlag(gctx, flag, evalCtx)
			if err != nil {
				return err
			}
			store(name, result)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, recordSpanError(span, err)
	}
	return results, nil
}

// RecordEvaluation appends an audit row. Unlike the write performed by
// Evaluate, failures are returned to the caller.
func (s *Service) RecordEvaluation(ctx context.Context, flag core.Flag, evalCtx core.EvaluationContext, result core.Result) error {
	payload, err := evalCtx.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("%w: encode context: %w", ErrInvalidInput, err)
	}
	return s.recordEvaluation(ctx, flag, payload, result)
}

// GetEvaluations returns the audit trail for flagID, newest first.
func (s *Service) GetEvaluations(ctx context.Context, flagID string) ([]repository.Evaluation, error) {
	if strings.TrimSpace(flagID) == "" {
		return nil, fmt.Errorf("%w: flag id is required", ErrInvalidInput)
	}

	evaluations, err := s.repo.GetEvaluations(ctx, flagID)
	if err != nil {
		return nil, fmt.Errorf("get evaluations for flag %q: %w", flagID, err)
	}
	return evaluations, nil
}

func (s *Service) evaluateFlag(ctx context.Context, flag core.Flag, evalCtx core.EvaluationContext) (core.Result, error) {
	payload, err := evalCtx.CanonicalJSON()
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: encode context: %w", ErrInvalidInput, err)
	}

	key := cacheKey(flag.Environment, flag.ID, payload)
	if cached, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheLookup(true)
		s.metrics.RecordEvaluation(cached.Reason, cached.Enabled)
		return cached, nil
	}
	s.metrics.RecordCacheLookup(false)

	result := s.decide(flag, evalCtx)
	s.recordEvaluationBestEffort(ctx, flag, payload, result)
	s.cache.Set(key, result)
	s.metrics.RecordEvaluation(result.Reason, result.Enabled)

	return result, nil
}

func (s *Service) decide(flag core.Flag, evalCtx core.EvaluationContext) core.Result {
	if s.enforceKillSwitch && !flag.Enabled {
		return core.Result{Enabled: false, Reason: core.ReasonDisabled}
	}
	return flag.Evaluate(evalCtx)
}

func (s *Service) recordEvaluationBestEffort(ctx context.Context, flag core.Flag, payload []byte, result core.Result) {
	// The decision is already made; a slow or cancelled caller must not lose
	// the audit row.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
	defer cancel()

	if err := s.recordEvaluation(auditCtx, flag, payload, result); err != nil {
		s.metrics.RecordAuditFailure()
		logging.FromContext(ctx, s.logger).WarnContext(ctx, "audit write failed",
			"flag_id", flag.ID,
			"flag", flag.Name,
			"environment", flag.Environment,
			"error", err,
		)
	}
}

func (s *Service) recordEvaluation(ctx context.Context, flag core.Flag, payload []byte, result core.Result) error {
	err := s.repo.RecordEvaluation(ctx, repository.Evaluation{
		FlagID:      flag.ID,
		Environment: flag.Environment,
		Context:     payload,
		Enabled:     result.Enabled,
		Reason:      result.Reason,
	})
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

func cacheKey(environment, flagID string, payload []byte) string {
	return environment + "|" + flagID + "|" + string(payload)
}

func notFound() core.Result {
	return core.Result{Enabled: false, Reason: core.ReasonNotFound}
}

func validateKey(name, environment string) error {
	if strings.TrimSpace(name) == "" {
		return ErrMissingFlagName
	}
	if strings.TrimSpace(environment) == "" {
		return ErrMissingEnvironment
	}
	return nil
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
