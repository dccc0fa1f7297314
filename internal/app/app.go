package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/novarelay/internal/config"
	"github.com/wisbric/novarelay/internal/httpserver"
	"github.com/wisbric/novarelay/internal/platform"
	"github.com/wisbric/novarelay/internal/telemetry"
	"github.com/wisbric/novarelay/pkg/admin"
	"github.com/wisbric/novarelay/pkg/credentialpool"
	"github.com/wisbric/novarelay/pkg/gatewayauth"
	"github.com/wisbric/novarelay/pkg/logrecorder"
	"github.com/wisbric/novarelay/pkg/orchestrator"
	"github.com/wisbric/novarelay/pkg/presetexpander"
	"github.com/wisbric/novarelay/pkg/store"
	"github.com/wisbric/novarelay/pkg/upstreamclient"
	"github.com/wisbric/novarelay/pkg/varengine"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the gateway.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting novarelay",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis — only used for cross-process credential health publication.
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	st := store.NewPostgresStore(db, cfg.TenantKeyPepper)

	var notifier credentialpool.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		notifier = credentialpool.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		logger.Info("slack auto-disable notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack auto-disable notifications disabled (SLACK_BOT_TOKEN/SLACK_ALERT_CHANNEL not set)")
	}

	pool := credentialpool.New(st, logger, cfg.CredentialLeaseWait, notifier)
	if err := pool.Refresh(ctx); err != nil {
		return fmt.Errorf("loading credential pool: %w", err)
	}
	logger.Info("credential pool loaded", "enabled_credentials", pool.EnabledCount())

	go pool.RunHealthPublisher(ctx, rdb, cfg.CredentialHealthPublishInterval)

	recorder := logrecorder.New(st, logger)
	recorder.Start(ctx)
	defer recorder.Close()

	upstream := upstreamclient.NewClient(cfg.UpstreamBaseURL, upstreamclient.AuthMode(cfg.UpstreamAuthMode))

	svc := orchestrator.New(st, pool, upstream, presetexpander.New(varengine.New()), recorder, logger, orchestrator.Config{
		MaxAttemptsCap:  cfg.DefaultMaxAttempts,
		RequestDeadline: cfg.DefaultRequestDeadline,
		AttemptDeadline: cfg.DefaultAttemptDeadline,
		SeedOverride:    cfg.RandSeedOverride,
	})

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	srv.GatewayAPI.Use(gatewayauth.Middleware(st, logger))
	srv.GatewayAPI.Mount("/", orchestrator.NewHandler(svc, cfg.AdvertisedModels, logger).Routes())

	srv.AdminAPI.Use(admin.Middleware(cfg.AdminToken))
	srv.AdminAPI.Mount("/", admin.NewHandler(st, cfg.TenantKeyPepper, logger).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than a fixed write timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
