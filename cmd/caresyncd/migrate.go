package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema and exit",
	Long: `Open the configured store, apply any pending schema setup (tables and
indexes for the SQLite driver, index builds for MongoDB) and exit. Useful
in deployment pipelines that separate schema changes from serving.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logging.Init(os.Stdout, logging.LogLevel(cfg.Logging.Level))

		st, err := store.Open(context.Background(), cfg.Store, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Store ready (%s)\n", cfg.Store.Driver)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
