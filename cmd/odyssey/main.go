package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	accesshttp "github.com/odyssey-erp/odyssey-access/internal/access/http"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 {
		os.Exit(runCommand(ctx, cfg, logger, os.Args[1:]))
	}

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect dependencies", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.Close(logger)

	metrics := observability.NewMetrics()
	accessService, catalogs, err := newAccessService(deps, cfg, logger, metrics)
	if err != nil {
		logger.Error("init access service", slog.Any("error", err))
		os.Exit(1)
	}
	if err := catalogs.ListenForInvalidation(ctx); err != nil {
		logger.Warn("catalog invalidation listener", slog.Any("error", err))
	}

	sessionManager := shared.NewSessionManager(deps.redis, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	rbacMiddleware := rbac.Middleware{Checker: accessService, Logger: logger}

	auditService := audit.NewService(audit.NewRepository(deps.pool))
	auditHandler := audithttp.NewHandler(logger, auditService, audit.NewExporter(), accessService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AccessHandler:      accesshttp.NewHandler(logger, accessService, rbacMiddleware),
		AuditHandler:       auditHandler,
		PermissionsHandler: rbac.NewPermissionsHandler(logger, accessService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

type dependencies struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*dependencies, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MinConns: cfg.PGMinConns})
	if err != nil {
		return nil, err
	}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Catalog reads fall back to PostgreSQL while Redis is away.
		logger.Warn("redis unavailable", slog.Any("error", err))
	}
	return &dependencies{pool: pool, redis: client}, nil
}

func (d *dependencies) Close(logger *slog.Logger) {
	if err := d.redis.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	d.pool.Close()
}

func newAccessService(deps *dependencies, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*access.Service, *access.CatalogCache, error) {
	repo := access.NewRepository(deps.pool, audit.NewLedger(), logger)
	catalogs, err := access.NewCatalogCache(deps.redis, cfg.AccessCatalogCacheSize, repo.ListRoles, logger)
	if err != nil {
		return nil, nil, err
	}
	service := access.NewService(repo, logger,
		access.WithCatalogSource(catalogs),
		access.WithMetrics(metrics))
	return service, catalogs, nil
}
