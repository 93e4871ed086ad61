package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbasin/scriptum/internal/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the running daemon's status",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	socketPath, err := rpc.DefaultSocketPath()
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}

	client, err := rpc.DialTimeout(socketPath, 500*time.Millisecond)
	if err != nil {
		fmt.Println("scriptumd is not running")
		return errDaemonUnavailable
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	fmt.Printf("version:     %s\n", status.Version)
	fmt.Printf("workspace:   %s\n", status.WorkspacePath)
	fmt.Printf("socket:      %s\n", status.SocketPath)
	fmt.Printf("pid:         %d\n", status.PID)
	fmt.Printf("uptime:      %.0fs\n", status.UptimeSeconds)
	fmt.Printf("active docs: %d\n", status.ActiveDocs)
	return nil
}
