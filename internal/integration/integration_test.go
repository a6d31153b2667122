//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/repository/repositorytest"
	"github.com/matt-riley/flagkit/internal/service"
	"github.com/matt-riley/flagkit/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagkit_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagkit_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/flagkit_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	if err := migrate(ctx, testPool); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	return m.Run()
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, migrations.PostgresDir)
}

func resetTables(t *testing.T) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), `TRUNCATE evaluations, rules, flags RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func newRepo(t *testing.T) repository.Store {
	t.Helper()
	resetTables(t)
	return repository.NewPostgresRepository(testPool)
}

func TestPostgresRepositoryConformance(t *testing.T) {
	repositorytest.Run(t, newRepo)
}

func TestPostgresSaveFlagRollsBackOnDuplicateRuleID(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	original, err := repo.SaveFlag(ctx, repository.Flag{
		Name:        "checkout",
		Environment: "production",
		Rules: []repository.Rule{
			{ID: "keep", Name: "keep", Type: "targeted", Config: []byte(`{"attribute":"plan","values":["pro"]}`)},
		},
	})
	if err != nil {
		t.Fatalf("SaveFlag() error = %v", err)
	}

	_, err = repo.SaveFlag(ctx, repository.Flag{
		Name:        "checkout",
		Environment: "production",
		Description: "should not stick",
		Rules: []repository.Rule{
			{ID: "dup", Name: "a", Type: "targeted", Config: []byte(`{"attribute":"a","values":[]}`)},
			{ID: "dup", Name: "b", Type: "targeted", Config: []byte(`{"attribute":"b","values":[]}`)},
		},
	})
	if err == nil {
		t.Fatal("SaveFlag() with duplicate rule ids error = nil, want constraint violation")
	}

	loaded, err := repo.FindByNameAndEnvironment(ctx, "checkout", "production")
	if err != nil {
		t.Fatalf("FindByNameAndEnvironment() error = %v", err)
	}
	if loaded.ID != original.ID || loaded.Description != "" || len(loaded.Rules) != 1 || loaded.Rules[0].ID != "keep" {
		t.Fatalf("flag after failed save = %+v, want the original", loaded)
	}
}

func TestPostgresFindSeesOneSavedVersion(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	// Each version ties Enabled and Description to its rule count, so a read
	// that mixes two saves is detectable.
	version := func(n int) repository.Flag {
		rules := make([]repository.Rule, n)
		for i := range rules {
			rules[i] = repository.Rule{
				ID:     fmt.Sprintf("r%d", i),
				Name:   fmt.Sprintf("r%d", i),
				Type:   "targeted",
				Config: []byte(`{"attribute":"plan","values":["pro"]}`),
			}
		}
		return repository.Flag{
			Name:        "consistency",
			Environment: "production",
			Enabled:     n%2 == 0,
			Description: fmt.Sprintf("rules=%d", n),
			Rules:       rules,
		}
	}

	if _, err := repo.SaveFlag(ctx, version(1)); err != nil {
		t.Fatalf("SaveFlag() error = %v", err)
	}

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		defer close(writeErr)
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if _, err := repo.SaveFlag(ctx, version(1+i%2)); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	for range 500 {
		flag, err := repo.FindByNameAndEnvironment(ctx, "consistency", "production")
		if err != nil {
			close(done)
			t.Fatalf("FindByNameAndEnvironment() error = %v", err)
		}
		n := len(flag.Rules)
		if flag.Description != fmt.Sprintf("rules=%d", n) || flag.Enabled != (n%2 == 0) {
			close(done)
			t.Fatalf("mixed versions: description=%q enabled=%v rules=%d", flag.Description, flag.Enabled, n)
		}
	}
	close(done)

	if err := <-writeErr; err != nil {
		t.Fatalf("concurrent SaveFlag() error = %v", err)
	}
}

func TestServiceRoundTripOnPostgres(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	svc, err := service.New(repo)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}

	created, err := svc.CreateFlag(ctx, service.CreateFlagParams{
		Name:        "rollout",
		Environment: "production",
		Enabled:     true,
		RuleDefinitions: []core.RuleDefinition{
			{Name: "staff", Type: core.RuleTypeTargeted, Config: []byte(`{"attribute":"role","values":["staff"]}`)},
			{Name: "half", Type: core.RuleTypePercentage, Config: []byte(`{"percentage":50,"salt":"v1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	reloaded, err := svc.FindFlag(ctx, "rollout", "production")
	if err != nil {
		t.Fatalf("FindFlag() error = %v", err)
	}
	if len(reloaded.Rules) != 2 {
		t.Fatalf("reloaded rules = %d, want 2", len(reloaded.Rules))
	}
	for i := range reloaded.Rules {
		if reloaded.Rules[i].ID() != created.Rules[i].ID() || reloaded.Rules[i].Type() != created.Rules[i].Type() {
			t.Fatalf("rule %d = %s/%s, want %s/%s", i,
				reloaded.Rules[i].ID(), reloaded.Rules[i].Type(),
				created.Rules[i].ID(), created.Rules[i].Type())
		}
	}

	for i := range 20 {
		evalCtx := core.EvaluationContext{"userId": fmt.Sprintf("user-%d", i)}
		if created.Evaluate(evalCtx) != reloaded.Evaluate(evalCtx) {
			t.Fatalf("user-%d evaluates differently after reload", i)
		}
	}

	results, err := svc.BulkEvaluate(ctx, []string{"rollout", "missing"}, "production", core.EvaluationContext{"role": "staff"})
	if err != nil {
		t.Fatalf("BulkEvaluate() error = %v", err)
	}
	if results["rollout"] != (core.Result{Enabled: true, Reason: "targeted"}) {
		t.Fatalf("rollout = %+v, want targeted match", results["rollout"])
	}
	if results["missing"] != (core.Result{Enabled: false, Reason: core.ReasonNotFound}) {
		t.Fatalf("missing = %+v, want not-found", results["missing"])
	}

	evaluations, err := svc.GetEvaluations(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEvaluations() error = %v", err)
	}
	if len(evaluations) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(evaluations))
	}
	if evaluations[0].Environment != "production" || evaluations[0].Reason != "targeted" {
		t.Fatalf("audit row = %+v", evaluations[0])
	}
}
