package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/server"
	"github.com/matt-riley/flagkit/internal/service"
	"github.com/matt-riley/flagkit/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")

	return cmd
}

func runServer(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	log := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(parent)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(ctx, repository.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("store close error", "error", err)
		}
	}()

	m := metrics.New()
	registerStoreMetrics(m, store)

	svc, err := service.New(store,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithCacheTTL(cfg.CacheTTL),
		service.WithKillSwitch(cfg.EnforceKillSwitch),
		service.WithBulkConcurrency(cfg.BulkConcurrency),
		service.WithAuditTimeout(cfg.AuditWriteTimeout),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.EvalRateLimit, middleware.WithOnLimited(m.IncRateLimited))
	defer limiter.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, store, m, limiter, cfg.MaxJSONBodySize, log),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", listener.Addr().String(),
		"store", cfg.StoreDriver,
		"cache_ttl", cfg.CacheTTL.String(),
		"kill_switch", cfg.EnforceKillSwitch,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler layers tracing and request logging around the API routes.
func newHTTPHandler(svc server.Service, store repository.Store, m *metrics.Metrics, limiter *middleware.RateLimiter, maxBody int64, log *slog.Logger) http.Handler {
	api := server.NewHTTPHandler(svc,
		server.WithMetrics(m),
		server.WithEvaluateRateLimiter(limiter),
		server.WithMaxJSONBodySize(maxBody),
		server.WithHealthCheck(store.Ping),
	)
	return otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(api), "flagkit-http")
}

func registerStoreMetrics(m *metrics.Metrics, store repository.Store) {
	switch s := store.(type) {
	case *repository.PostgresRepository:
		metrics.RegisterPoolMetrics(m.Registry, s.Pool())
	case *repository.SQLiteRepository:
		metrics.RegisterSQLDBMetrics(m.Registry, s.DB(), "sqlite")
	}
}
