package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agora",
		Short: "Agora marketplace API",
		Long:  "Marketplace API with a Redis-backed cache, local fallback and an image edge cache",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (JSON or YAML)")

	rootCmd.AddCommand(
		serveCmd(),
		cacheCmd(),
		edgeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
