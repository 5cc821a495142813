package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/logging"
	"github.com/spf13/cobra"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and purge the shared cache",
	}
	cmd.AddCommand(cacheStatsCmd(), cacheInvalidateCmd())
	return cmd
}

// withPolicy runs fn against a policy over the configured cache. Without a
// Redis endpoint there is nothing shared to inspect and the command fails.
func withPolicy(fn func(ctx context.Context, p *cachepolicy.Policy) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Redis.Cache().Configured() {
		return fmt.Errorf("no redis endpoint configured")
	}
	log := logging.Op()
	cs, err := openCache(cfg, nil, log)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cs.Start(ctx)
	if cs.Degraded() {
		return fmt.Errorf("redis is unreachable")
	}
	return fn(ctx, cachepolicy.New(cs, cachepolicy.WithLogger(log)))
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key counts per cache region",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicy(func(ctx context.Context, p *cachepolicy.Policy) error {
				st, err := p.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func cacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate [pattern]",
		Short: "Purge keys matching a glob, or everything when no pattern is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicy(func(ctx context.Context, p *cachepolicy.Policy) error {
				if len(args) == 0 {
					return printJSON(p.InvalidateAll(ctx))
				}
				rep, err := p.InvalidatePattern(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}
