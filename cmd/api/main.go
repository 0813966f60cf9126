package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"imigrate/internal/api"
	"imigrate/internal/config"
	"imigrate/internal/database"
	"imigrate/internal/events"
	"imigrate/internal/export"
	"imigrate/internal/imis"
	"imigrate/internal/logging"
	"imigrate/internal/metrics"
	"imigrate/internal/migrate"
	"imigrate/internal/models"
	"imigrate/internal/vault"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if err := prepareDirectories(cfg, logger); err != nil {
		return err
	}

	db, err := initDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, tokenCache := initTokenCache(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	v, err := initVault(ctx, cfg, db, tokenCache, logger)
	if err != nil {
		return err
	}

	requestTimeout := time.Duration(cfg.Migration.RequestTimeout) * time.Second
	clients := func(env models.Environment) *imis.Client {
		return imis.NewClient(env, v, logger, imis.WithHTTPClient(&http.Client{Timeout: requestTimeout}))
	}

	eventBus := events.NewEventBus()
	subscribeJobEvents(eventBus, logger)

	orch := migrate.New(db, v, clients, eventBus, cfg.Migration.PageSize, logger)
	reporter := export.NewReporter(db, cfg.Exports.Path, logger)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, logger)
		go backupService.Start(ctx)
	}

	startMetrics(ctx, cfg, logger)

	httpServer := api.NewHTTPServer(&cfg.API, db, orch, v, reporter, clients, logger)
	return startServer(ctx, httpServer, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	return cfg, &logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("create exports directory")
		return err
	}
	return nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	// Seed configured environments so jobs can reference them by id.
	for i := range cfg.Environments {
		if err := db.UpsertEnvironment(context.Background(), &cfg.Environments[i]); err != nil {
			logger.Error().Err(err).Int64("env_id", cfg.Environments[i].ID).Msg("seed environment")
			return nil, err
		}
	}
	return db, nil
}

func initTokenCache(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (redisCloser, vault.TokenCache) {
	ttl := time.Duration(cfg.Vault.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = models.DefaultTokenTTL
	}
	memory := vault.NewMemoryTokenCache()

	if !cfg.Redis.Enabled {
		return nil, memory
	}

	redisClient := vault.NewRedisClient(cfg.Redis)
	if err := vault.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, token cache starts on memory fallback")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := vault.NewRedisTokenCache(redisClient, ttl)
	return redisClient, vault.NewFailoverTokenCache(primary, memory, logger)
}

type redisCloser interface {
	Close() error
}

func initVault(ctx context.Context, cfg *config.Config, db *database.DB, cache vault.TokenCache, logger *zerolog.Logger) (*vault.Vault, error) {
	opts := []vault.Option{vault.WithTokenCache(cache)}
	if cfg.Vault.MasterPassword != "" {
		opts = append(opts, vault.WithPersistence(db, cfg.Vault.MasterPassword, cfg.Vault.KeySalt))
	}

	v := vault.New(logger, opts...)
	if err := v.LoadPersisted(ctx); err != nil {
		logger.Error().Err(err).Msg("load persisted passwords")
		return nil, err
	}
	return v, nil
}

func subscribeJobEvents(bus *events.EventBus, logger *zerolog.Logger) {
	audit := logger.With().Str("component", "job-events").Logger()

	handler := func(ev *events.Event) error {
		var payload events.JobEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			audit.Error().Err(err).Str("event", ev.Type).Msg("decode payload")
			return nil
		}
		audit.Info().
			Str("event", ev.Type).
			Str("job_id", payload.JobID).
			Str("status", payload.Status).
			Str("error", payload.Error).
			Msg("job event")
		return nil
	}

	bus.Subscribe(events.EventJobStarted, handler)
	bus.Subscribe(events.EventJobFinished, handler)
	bus.Subscribe(events.EventPageFailed, handler)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, logger *zerolog.Logger) error {
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
