package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/oriys/agora/internal/logging"
	"github.com/spf13/cobra"
)

func edgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Maintain the image edge cache",
	}
	cmd.AddCommand(edgeWarmCmd(), edgeCleanupCmd())
	return cmd
}

func edgeWarmCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "warm N",
		Short: "Fetch the N most downloaded asset images into the edge cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("N must be a positive integer")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Edge.Concurrency = concurrency
			}
			edge, origin, err := openEdge(cfg, nil, logging.Op())
			if err != nil {
				return err
			}
			if edge == nil || origin == nil {
				return fmt.Errorf("edge.dir and edge.origin_url are required")
			}
			defer edge.Close()

			ctx := context.Background()
			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rep, err := edge.Warm(ctx, db, origin, n)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel origin fetches (overrides config)")
	return cmd
}

func edgeCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired edge cache objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			edge, _, err := openEdge(cfg, nil, logging.Op())
			if err != nil {
				return err
			}
			if edge == nil {
				return fmt.Errorf("edge.dir is required")
			}
			defer edge.Close()

			removed, err := edge.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired objects\n", removed)
			return nil
		},
	}
}
