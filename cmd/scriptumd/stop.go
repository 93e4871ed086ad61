package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbasin/scriptum/internal/rpc"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  stopDaemon,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func stopDaemon(cmd *cobra.Command, args []string) error {
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

	if err := client.Shutdown(); err != nil {
		return fmt.Errorf("request shutdown: %w", err)
	}

	pidPath, err := pidFilePath()
	if err != nil {
		fmt.Println("scriptumd stopped")
		return nil
	}
	pid, err := readPIDFile(pidPath)
	if err != nil {
		fmt.Println("scriptumd stopped")
		return nil
	}

	deadline := time.Now().Add(daemonShutdownTimeout)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			fmt.Println("scriptumd stopped")
			return nil
		}
		time.Sleep(daemonShutdownPollInterval)
	}

	fmt.Println("scriptumd did not exit in time, sending SIGKILL")
	if process, err := os.FindProcess(pid); err == nil {
		_ = process.Signal(syscall.SIGKILL)
	}
	return nil
}

const (
	daemonShutdownTimeout      = 2 * time.Second
	daemonShutdownPollInterval = 100 * time.Millisecond
)
