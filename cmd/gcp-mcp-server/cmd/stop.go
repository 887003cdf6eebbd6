package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gcp-mcp-server by reading its PID file and sending SIGTERM.
Open SSE streams are closed and in-flight requests are given time to finish.

The PID file is located at ~/.gcp-mcp-server/server.pid.

Examples:
  gcp-mcp-server stop`,
	RunE: runStop,
}

const (
	stopTimeout      = 10 * time.Second
	stopPollInterval = 200 * time.Millisecond
)

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()
	out := cmd.ErrOrStderr()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	// SIGTERM on Unix, TerminateProcess on Windows.
	fmt.Fprintf(out, "Stopping gcp-mcp-server (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	for waited := time.Duration(0); waited < stopTimeout; waited += stopPollInterval {
		time.Sleep(stopPollInterval)
		if !processIsAlive(proc) {
			_ = os.Remove(pidPath)
			fmt.Fprintln(out, "Server stopped.")
			return nil
		}
	}

	fmt.Fprintln(out, "Server did not stop gracefully, killing it...")
	_ = proc.Kill()
	_ = os.Remove(pidPath)
	fmt.Fprintln(out, "Server killed.")
	return nil
}

// readPIDFile reads a PID from path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
