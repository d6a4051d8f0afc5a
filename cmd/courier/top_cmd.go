package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/courier/internal/tui"
	"github.com/spf13/cobra"
)

// daemonStartTimeout bounds how long `top` waits for a daemon it launched.
const daemonStartTimeout = 5 * time.Second

var topNoStart bool

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Launch the live dashboard",
	Long: `Opens the dashboard against --api. If no daemon answers, one is started in
the background with its log at ~/.courier/daemon.log.`,
	RunE: runTop,
}

func init() {
	topCmd.Flags().BoolVar(&topNoStart, "no-start", false, "Do not start a daemon if none is running")
}

func runTop(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err != nil {
		if topNoStart {
			return fmt.Errorf("no daemon at %s: %w", apiAddr, err)
		}
		if err := spawnDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	return tui.New(apiAddr).Run()
}

// spawnDaemon re-executes this binary as a detached `courier daemon` and
// waits until it answers /health.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	logFile, err := openDaemonLog()
	if err != nil {
		return err
	}
	defer logFile.Close()

	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	detach(c)
	if err := c.Start(); err != nil {
		return err
	}
	fmt.Printf("Started courier daemon (pid %d), log: %s\n", c.Process.Pid, logFile.Name())
	// The daemon is not our child to wait on.
	c.Process.Release()

	deadline := time.Now().Add(daemonStartTimeout)
	for time.Now().Before(deadline) {
		if _, err := CheckHealth(); err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon not reachable at %s after %s", apiAddr, daemonStartTimeout)
}

func openDaemonLog() (*os.File, error) {
	dir := os.TempDir()
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".courier")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
