// Command scriptumd is the per-user background daemon that holds the CRDT
// replicas for a workspace's markdown documents, answers local RPC calls
// from editor extensions and CLI tools, and keeps each document durable
// across restarts via its write-ahead log and snapshots.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden via -ldflags at build time.
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:           "scriptumd",
	Short:         "Local-first collaborative markdown daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errDaemonUnavailable marks a command that failed because it could not
// reach the daemon's socket (not found, or connection refused), mapped to
// exit code 10 by main so scripts can distinguish "daemon isn't running"
// from a generic failure.
var errDaemonUnavailable = errors.New("scriptumd: daemon unavailable")

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if !errors.Is(err, errDaemonUnavailable) {
		fmt.Fprintln(os.Stderr, err)
	}
	if errors.Is(err, errDaemonUnavailable) {
		os.Exit(10)
	}
	os.Exit(1)
}
