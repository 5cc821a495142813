package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/agora/internal/api"
	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
	"github.com/oriys/agora/internal/observability"
	"github.com/oriys/agora/internal/opqueue"
	"github.com/oriys/agora/internal/service"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				logging.SetLevelFromString(logLevel)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Tracing); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = observability.Shutdown(sctx)
			}()

			m := metrics.New("agora")
			log := logging.Op()

			db, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			cs, err := openCache(cfg, m, log)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			cs.Start(ctx)
			defer cs.Close()

			engineOpts := []cache.EngineOption{cache.WithEngineLogger(log), cache.WithEngineMetrics(m)}
			if cfg.Cache.SingleFlight {
				engineOpts = append(engineOpts, cache.WithSingleFlight())
			}

			edge, origin, err := openEdge(cfg, m, log)
			if err != nil {
				return fmt.Errorf("open edge cache: %w", err)
			}
			if edge != nil {
				defer edge.Close()
			}

			market := service.NewMarketplace(service.Deps{
				Store:  db,
				Engine: cache.NewEngine(cs, engineOpts...),
				Policy: cachepolicy.New(cs,
					cachepolicy.WithTTLs(cfg.Cache.TTL.TTLs()),
					cachepolicy.WithLogger(log),
					cachepolicy.WithMetrics(m),
				),
				Queue:  opqueue.New(cfg.Queue.MaxConcurrent, opqueue.WithLogger(log), opqueue.WithMetrics(m)),
				Edge:   edge,
				Origin: origin,
				Logger: log,
			})

			if n := cfg.Edge.WarmOnStart; n > 0 && edge != nil {
				go func() {
					rep, err := market.WarmEdge(ctx, n)
					if err != nil {
						log.Warn("edge warm-up failed", "error", err)
						return
					}
					log.Info("edge warm-up finished", "requested", rep.Requested, "stored", rep.Stored, "skipped", rep.Skipped, "failed", rep.Failed)
				}()
			}

			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Market:  market,
				Metrics: m,
			})
			log.Info("agora started", "addr", cfg.Daemon.HTTPAddr, "cache_mode", cs.Mode(), "queue_max", cfg.Queue.MaxConcurrent)

			<-ctx.Done()
			log.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}
