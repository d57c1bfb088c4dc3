// Command caresyncd runs the CareSync offline-first synchronization
// service: incremental pull, offline queue replay, conflict resolution,
// realtime change fan-out and periodic audit archiving over one
// document store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "caresyncd",
	Short: "Offline-first healthcare data synchronization service",
	Long: `caresyncd keeps intermittently-connected care devices and the central
document store convergent. Devices pull incremental deltas, replay their
offline operation queues, and receive change notifications over websockets
or polling; every resolution and deletion leaves an audit trail that the
archiver periodically exports.

Start the server:
  caresyncd serve --config caresync.yaml

Prepare a fresh store without serving:
  caresyncd migrate --config caresync.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "caresync.yaml", "path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
