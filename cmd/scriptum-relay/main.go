// Command scriptum-relay is the shared coordination service a workspace's
// daemons sync through: it assigns durable server sequence numbers to
// updates, compacts the update log into periodic snapshots, and arbitrates
// which replica may perform write-bearing git operations for a workspace.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden via -ldflags at build time.
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:           "scriptum-relay",
	Short:         "Relay coordination service for scriptum workspaces",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.Flags().String("listen-addr", "", "override relay.listen-addr (default from config)")
	rootCmd.Flags().String("postgres-dsn", "", "override relay.postgres-dsn (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
