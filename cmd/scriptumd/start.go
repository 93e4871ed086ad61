package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbasin/scriptum/internal/rpc"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  startDaemon,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func startDaemon(cmd *cobra.Command, args []string) error {
	socketPath, err := rpc.DefaultSocketPath()
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}

	if client, err := rpc.DialTimeout(socketPath, 200*time.Millisecond); err == nil {
		client.Close()
		fmt.Println("scriptumd is already running")
		return nil
	}

	binPath, err := os.Executable()
	if err != nil {
		binPath = os.Args[0]
	}

	child := exec.Command(binPath, "run")
	child.Dir, _ = os.Getwd()
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		child.Stdout = devNull
		child.Stderr = devNull
		child.Stdin = devNull
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	go func() { _ = child.Wait() }()

	if waitForSocketReady(socketPath, 5*time.Second) {
		fmt.Printf("scriptumd started (pid %d)\n", child.Process.Pid)
		return nil
	}

	return fmt.Errorf("daemon did not become ready within 5s, check logs")
}

func waitForSocketReady(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client, err := rpc.DialTimeout(socketPath, 200*time.Millisecond); err == nil {
			client.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
