package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"movelog/internal/app"
	"movelog/internal/config"
	"movelog/internal/logging"
	"movelog/internal/search"
	"movelog/internal/session"
	"movelog/internal/stats"
	"movelog/internal/store"
)

const readyTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := logging.NewJSON(os.Stdout, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error(context.Background(), "movelog API stopped", "error", err)
		os.Exit(1)
	}
}

// run owns every resource it opens; all of them are released before it
// returns, whether it ends on ctx or on an error.
func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	var records store.Replicated
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn(ctx, "using in-memory record store; data is lost on restart")
		records = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		migrations, err := store.Migrations(cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewPostgresStore(db, cfg.DatabaseURL, logger.With("component", "store"))
		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := pg.Run(listenCtx); err != nil {
				logger.Error(listenCtx, "record listener stopped", "error", err)
			}
		}()
		records = pg
	}

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info(ctx, "using redis for session records")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		logger.Info(ctx, "using process memory for session records")
		sessions = session.NewMemoryStore()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With("component", "meilisearch"))
		defer meiliClient.Close()
	}

	service := app.New(cfg, records, sessions, meiliClient, logger)
	defer service.Close()
	metrics := stats.NewMetrics(prometheus.DefaultRegisterer)
	service.Observe(metrics.Observe)
	if err := service.Start(ctx, readyTimeout); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, promhttp.Handler(), logger.With("component", "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "movelog API listening", "addr", cfg.Addr, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "shutdown error", "error", err)
	}
	return nil
}
