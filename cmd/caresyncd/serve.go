package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the synchronization server",
	Long: `Start the HTTP server and the background schedulers (session sweep,
notification retention and, when enabled, periodic audit archiving).

The server shuts down gracefully on SIGINT/SIGTERM: the listener stops
accepting, in-flight requests drain, schedulers stop and the store closes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logging.Init(os.Stdout, logging.LogLevel(cfg.Logging.Level))
		gin.SetMode(gin.ReleaseMode)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := newServer(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := srv.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
