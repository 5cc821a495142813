package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/config"
	"github.com/oriys/agora/internal/edgecache"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
	"github.com/oriys/agora/internal/store"
)

// memoryDSN selects the in-process store instead of Postgres.
const memoryDSN = "memory"

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.MarketplaceStore, error) {
	if cfg.Postgres.DSN == memoryDSN || cfg.Postgres.DSN == "" {
		logging.Op().Warn("using in-memory marketplace store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, store.PoolConfig{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// openCache builds the cache store. Without a Redis endpoint the store runs
// fallback-only. The caller must Start and Close it.
func openCache(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*cache.Store, error) {
	opts := []cache.StoreOption{
		cache.WithLogger(log),
		cache.WithMetrics(m),
		cache.WithOpTimeout(cfg.Redis.OpTimeout()),
		cache.WithProbeInterval(cfg.Redis.ProbeInterval()),
	}

	rc := cfg.Redis.Cache()
	if !rc.Configured() {
		return cache.NewStore(nil, opts...), nil
	}
	remote, err := cache.NewRedisCache(rc)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Invalidation {
		opts = append(opts, cache.WithBus(cache.NewBus(remote.Client())))
	}
	return cache.NewStore(remote, opts...), nil
}

// openEdge opens the edge cache and its origin. Both are nil when the edge
// cache is not configured.
func openEdge(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*edgecache.Cache, edgecache.Origin, error) {
	var origin edgecache.Origin
	if cfg.Edge.OriginURL != "" {
		origin = edgecache.NewHTTPOrigin(cfg.Edge.OriginURL)
	}
	if cfg.Edge.Dir == "" {
		return nil, origin, nil
	}
	edge, err := edgecache.Open(cfg.Edge.Edge(), edgecache.WithLogger(log), edgecache.WithMetrics(m))
	if err != nil {
		return nil, nil, err
	}
	return edge, origin, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
