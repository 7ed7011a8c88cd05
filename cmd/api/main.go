package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attaboy/authrisk/internal/app"
	"github.com/attaboy/authrisk/internal/handler"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/notify"
	"github.com/attaboy/authrisk/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()

	var dispatcher notify.Dispatcher
	if producer.Enabled() {
		dispatcher = notify.NewKafkaDispatcher(producer)
	}

	// Stores
	var (
		stores app.Stores
		health handler.HealthCheck
	)
	if cfg.UseMemory {
		logger.Warn("using in-memory stores; state is lost on restart")
		stores = app.MemoryStores()
	} else {
		if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		pool, err := infra.NewPostgresPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		logger.Info("connected to postgres")

		outbox := repository.NewOutboxRepository()
		stores = app.PostgresStores(pool, outbox)
		health = func(ctx context.Context) error { return infra.HealthCheck(ctx, pool) }

		if producer.Enabled() {
			infra.NewOutboxPoller(pool, outbox, producer, logger).Start(ctx)
		}
	}

	engine, err := app.NewEngine(app.Deps{
		Config:     cfg,
		Stores:     stores,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.Start(ctx)

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}
	r := app.NewRouter(app.RouterDeps{
		Engine:         engine,
		Health:         health,
		CORSOrigin:     cfg.CORSAllowedOrigins,
		TrustedProxies: proxies,
	})

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
