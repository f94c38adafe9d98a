// Package app wires configuration into a store and a ledger service. It is
// shared by the HTTP server and the ledgerctl command.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-ledger/internal/config"
	"github.com/atmx/settlement-ledger/internal/ledger"
	"github.com/atmx/settlement-ledger/internal/store"
)

// OpenStore opens the configured backend and wraps it with the redis query
// cache when redis.url is set. Migrations run on open.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL")
		st = pg
	case "memory":
		logger.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	default:
		lite, err := store.OpenSQLite(ctx, cfg.Database.Path, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("opened SQLite ledger", "path", cfg.Database.Path)
		st = lite
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, cache will fall through", "err", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}
	return st, nil
}

// NewService builds the ledger service over st and restores halts recorded
// by earlier runs. notifier may be nil.
func NewService(ctx context.Context, cfg *config.Config, st store.Store, notifier ledger.Notifier, logger *slog.Logger) (*ledger.Service, error) {
	clk, err := cfg.Clock()
	if err != nil {
		return nil, err
	}
	reg, err := cfg.Registry(logger)
	if err != nil {
		return nil, err
	}
	svc, err := ledger.NewService(st, ledger.Options{
		Clock:       clk,
		Multipliers: reg,
		Notifier:    notifier,
		Logger:      logger,
		Retry: ledger.RetryPolicy{
			MaxTries:        cfg.Retry.MaxTries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		FinalizeWorkers: cfg.FinalizeWorkers,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.RestoreHalts(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}
