package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/centra-hq/centra/internal/app"
	"github.com/centra-hq/centra/internal/auth"
	"github.com/centra-hq/centra/internal/observability"
	"github.com/centra-hq/centra/internal/permissions"
	"github.com/centra-hq/centra/internal/shared"
	"github.com/centra-hq/centra/internal/users"
)

// decisionAuditor traces resolver decisions. Denials are logged at Info so
// operators can reconstruct why a request was refused; allows stay at Debug.
type decisionAuditor struct {
	logger *slog.Logger
}

func (a decisionAuditor) ObserveDecision(_ context.Context, tenantID, userID string, d permissions.Decision) {
	if a.logger == nil {
		return
	}
	level := slog.LevelDebug
	if !d.Allowed {
		level = slog.LevelInfo
	}
	a.logger.Log(context.Background(), level, "permission decision",
		slog.String("tenant_id", tenantID),
		slog.String("user_id", userID),
		slog.String("code", d.PermissionCode),
		slog.Bool("allowed", d.Allowed),
		slog.String("source", string(d.Source)))
}

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

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "centra_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	metrics := observability.NewMetrics()

	permRepo := permissions.NewRepository(dbpool)
	permCache := permissions.NewCache(redisClient, cfg.PermCacheTTL, logger)
	permEval := permissions.NewEvaluator(cfg.PermConditionMaxNodes, cfg.PermConditionMaxDepth, logger)
	resolver := permissions.NewResolver(permRepo, permCache, permEval, logger, permissions.ResolverConfig{
		MaxGroupDepth: cfg.PermMaxGroupDepth,
		Observer:      decisionAuditor{logger: logger},
		Metrics:       metrics,
	})
	permValidator := permissions.NewValidator(cfg.PermMaxGroupDepth)
	auditLogger := shared.NewAuditLogger(dbpool)
	permService := permissions.NewService(permRepo, resolver, permValidator, permEval, auditLogger, logger)
	guard := permissions.Middleware{Resolver: resolver, Logger: logger}
	permHandler := permissions.NewHandler(logger, permService, resolver, guard)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService, guard)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		PermissionsHandler: permHandler,
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
