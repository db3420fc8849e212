// Package main implements the worker supervisor: it runs the worker
// pool against the shared queue, restarts dead workers, exposes a small
// health/stats HTTP surface, and drains gracefully on shutdown signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/promptlab/promptq/internal/api/shared"
	"github.com/promptlab/promptq/internal/config"
	"github.com/promptlab/promptq/internal/generation"
	"github.com/promptlab/promptq/internal/mcptools"
	"github.com/promptlab/promptq/internal/pipeline"
	"github.com/promptlab/promptq/internal/platform/gemini"
	"github.com/promptlab/promptq/internal/platform/logger"
	"github.com/promptlab/promptq/internal/platform/ollama"
	"github.com/promptlab/promptq/internal/platform/postgres"
	"github.com/promptlab/promptq/internal/queue"
	"github.com/promptlab/promptq/internal/worker"
)

const (
	healthCheckInterval = 5 * time.Second
	statsLogInterval    = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker supervisor failed: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger := logger.Setup(cfg.Server.LogLevel)
	appLogger.Info("worker configuration loaded",
		"workers", cfg.Worker.Count,
		"provider", cfg.LLM.Provider,
		"tool_servers", len(cfg.Tools.Servers))

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	jobQueue := queue.New(rdb, appLogger)

	servers := make([]mcptools.ServerConfig, 0, len(cfg.Tools.Servers))
	for _, s := range cfg.Tools.Servers {
		servers = append(servers, mcptools.ServerConfig{
			Name:        s.Name,
			URL:         s.URL,
			Description: s.Description,
		})
	}
	catalog := mcptools.NewHTTPClient(servers, appLogger)

	generator, err := newGenerator(ctx, cfg, appLogger)
	if err != nil {
		return err
	}

	var archiver worker.Archiver
	if cfg.Archive.DatabaseURL != "" {
		if err := postgres.MigrateUp(cfg.Archive.DatabaseURL); err != nil {
			return fmt.Errorf("failed to migrate archive database: %w", err)
		}
		store, err := postgres.NewArchiveStore(ctx, cfg.Archive.DatabaseURL, appLogger)
		if err != nil {
			return fmt.Errorf("failed to connect to archive database: %w", err)
		}
		defer store.Close()
		archiver = store
		appLogger.Info("job archiving enabled")
	}

	runner := pipeline.New(generator, catalog, pipeline.DefaultConfig(), appLogger)

	poolCfg := worker.DefaultConfig()
	poolCfg.Workers = cfg.Worker.Count
	poolCfg.MaxConsecutiveFailures = cfg.Worker.MaxConsecutiveFailures
	poolCfg.StopTimeout = time.Duration(cfg.Worker.ShutdownTimeoutSeconds) * time.Second

	pool := worker.NewPool(jobQueue, runner, archiver, poolCfg, appLogger)
	pool.Start()

	healthServer := startHealthServer(cfg.Worker.HealthPort, pool, jobQueue, appLogger)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	supervise(ctx, pool, jobQueue, appLogger, shutdownCh)

	appLogger.Info("stopping workers", "timeout", poolCfg.StopTimeout)
	if err := pool.Stop(); err != nil {
		if errors.Is(err, worker.ErrStopTimeout) {
			appLogger.Error("workers did not drain in time, abandoning", "error", err)
		} else {
			appLogger.Error("worker pool stop failed", "error", err)
		}
	} else {
		appLogger.Info("all workers stopped cleanly")
	}

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	if err := healthServer.Shutdown(healthCtx); err != nil {
		appLogger.Error("health server shutdown failed", "error", err)
	}

	return nil
}

// newGenerator builds the configured LLM backend.
func newGenerator(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) (generation.Generator, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		return gemini.New(ctx, cfg.LLM.GeminiAPIKey, cfg.LLM.ModelName, appLogger)
	default:
		return ollama.New(cfg.LLM.OllamaURL, cfg.LLM.ModelName, appLogger)
	}
}

// supervise runs the health-check and stats loops until a shutdown signal
// arrives.
func supervise(
	ctx context.Context,
	pool *worker.Pool,
	jobQueue *queue.Queue,
	appLogger *slog.Logger,
	shutdownCh <-chan os.Signal,
) {
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()
	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case sig := <-shutdownCh:
			appLogger.Info("shutdown signal received", "signal", sig.String())
			return

		case <-ctx.Done():
			return

		case <-healthTicker.C:
			if dead := pool.CheckWorkerHealth(); len(dead) > 0 {
				appLogger.Warn("dead workers detected", "slots", dead)
				restarted := pool.RestartDeadWorkers()
				appLogger.Info("workers restarted", "count", restarted)
			}

		case <-statsTicker.C:
			stats, err := jobQueue.Stats(ctx)
			if err != nil {
				appLogger.Warn("failed to read queue stats", "error", err)
				continue
			}
			appLogger.Info("queue stats",
				"pending", stats.Pending,
				"processing", stats.Processing,
				"total", stats.Total,
				"workers_alive", pool.AliveCount())
		}
	}
}

// startHealthServer exposes worker liveness and queue stats for
// operators and orchestration probes.
func startHealthServer(port int, pool *worker.Pool, jobQueue *queue.Queue, appLogger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	health := func(w http.ResponseWriter, req *http.Request) {
		alive := pool.AliveCount()
		status := http.StatusOK
		if alive == 0 {
			status = http.StatusServiceUnavailable
		}
		shared.RespondWithJSON(w, req, status, map[string]any{
			"workers_alive": alive,
			"workers_total": pool.SlotCount(),
		})
	}
	r.Get("/", health)
	r.Get("/health", health)

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := jobQueue.Stats(req.Context())
		if err != nil {
			shared.RespondWithError(w, req, http.StatusServiceUnavailable, "Queue temporarily unavailable")
			return
		}
		shared.RespondWithJSON(w, req, http.StatusOK, map[string]any{
			"pending":       stats.Pending,
			"processing":    stats.Processing,
			"total":         stats.Total,
			"workers_alive": pool.AliveCount(),
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	go func() {
		appLogger.Info("health server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("health server failed", "error", err)
		}
	}()
	return server
}
