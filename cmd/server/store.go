package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/firebase"
	"github.com/score-tracker/internal/memory"
	"github.com/score-tracker/internal/postgres"
	"github.com/score-tracker/internal/redis"
	"github.com/score-tracker/internal/service"
)

// openStore builds the configured store adapter. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.ScoreStore, func(), error) {
	switch cfg.Store.Adapter {
	case config.AdapterMemory:
		logger.Warn("using in-memory score store, scores are lost on restart")
		return memory.New(), func() {}, nil

	case config.AdapterRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		store, err := redis.New(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to Redis")
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close Redis", "error", err)
			}
		}, nil

	case config.AdapterPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")

		// Run database migrations
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		return repo, repo.Close, nil

	case config.AdapterFirebase:
		store, err := firebase.New(ctx, &cfg.Firebase, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store adapter %q", cfg.Store.Adapter)
	}
}
