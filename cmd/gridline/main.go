package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gridline-pm/gridline/internal/app"
	"github.com/gridline-pm/gridline/internal/audit"
	"github.com/gridline-pm/gridline/internal/auth"
	"github.com/gridline-pm/gridline/internal/mail"
	"github.com/gridline-pm/gridline/internal/observability"
	"github.com/gridline-pm/gridline/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		code := runJobsCommand(ctx, cfg, logger, os.Args[2:])
		stop()
		os.Exit(code)
	}

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

	userRepo := auth.NewPGUserRepository(dbpool)
	hasher := auth.NewPasswordHasher(0)

	bootstrap := auth.NewBootstrapValidator(userRepo, hasher, logger)
	if err := bootstrap.Validate(ctx, auth.BootstrapConfig{
		Production:     cfg.IsProduction(),
		AccessSecret:   cfg.AccessTokenSecret,
		RefreshSecret:  cfg.RefreshTokenSecret,
		AdminBootstrap: cfg.AdminBootstrap,
		AdminEmail:     cfg.AdminEmail,
		AdminPassword:  cfg.AdminPassword,
	}); err != nil {
		logger.Error("bootstrap validation", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.AdminBootstrap {
		if _, err := bootstrap.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error("admin bootstrap", slog.Any("error", err))
			os.Exit(1)
		}
	}

	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	}, logger)

	sessionRepo := auth.NewRedisSessionRepository(redisClient)
	sessions := auth.NewSessionManager(sessionRepo, cfg.SessionTTL)
	limiter := auth.NewRateLimiter(redisClient)
	recorder := audit.NewPGRecorder(dbpool, logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	mailer := mail.NewQueueMailer(jobsClient, cfg.AppURL)

	authService := auth.NewService(userRepo, sessions, tokens, hasher, recorder, mailer, logger, auth.ServiceConfig{
		MaxLoginAttempts: cfg.LoginMaxAttempts,
		LockWindow:       cfg.LoginLockWindow,
		SessionTTL:       cfg.SessionTTL,
		RememberTTL:      cfg.SessionRememberTTL,
	})

	metrics := observability.NewMetrics()
	guards := auth.NewMiddleware(logger, userRepo, sessions, tokens, recorder, metrics)
	authHandler := auth.NewHandler(logger, authService, limiter, guards, cfg.IsProduction())

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthHandler: authHandler,
		JobsHandler: jobsHandler,
		Pool:        dbpool,
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
