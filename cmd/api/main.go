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

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/fleetpulse/api/internal/alert"
	"github.com/fleetpulse/api/internal/app/migrate"
	httpx "github.com/fleetpulse/api/internal/http"
	"github.com/fleetpulse/api/internal/repository/postgres"
	"github.com/fleetpulse/api/internal/service/ingest"
	"github.com/fleetpulse/api/internal/stream"
	"github.com/fleetpulse/api/internal/ws"
	"github.com/fleetpulse/api/pkg/config"
	"github.com/fleetpulse/api/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		log.Error("invalid database configuration", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL(), cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	processor := stream.NewProcessor(cfg.StreamWindowSize, log)
	alerts := alert.NewManager(log)
	alerts.SeedDefaults()

	limiter := httpx.NewMemoryRateLimiter()
	var cacheProbe ingest.CacheProbe
	if cfg.RateLimitRedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimitRedisAddr,
			Password: cfg.RateLimitRedisPass,
			DB:       cfg.RateLimitRedisDB,
		})
		redisLimiter, err := httpx.NewRedisRateLimiter(redisClient, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
			_ = redisClient.Close()
		} else {
			limiter = redisLimiter
			cacheProbe = func(ctx context.Context) (time.Duration, error) {
				started := time.Now()
				if err := redisClient.Ping(ctx).Err(); err != nil {
					return 0, err
				}
				return time.Since(started), nil
			}
		}
	}

	ingestSvc := ingest.New(repo, processor, alerts, hub, log, ingest.Options{
		StatusWindow:  cfg.AgentStatusWindow,
		SnapshotLimit: cfg.SnapshotLimit,
		CacheProbe:    cacheProbe,
	})
	go ingestSvc.Run(ctx, cfg.LivenessInterval)

	router := httpx.NewRouter(log, ingestSvc, alerts, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
