package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-route-proxy/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the proxy",
	Long:  `Send SIGTERM to the running proxy and wait for it to drain.`,
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().Duration("timeout", 15*time.Second, "how long to wait for the proxy to exit")
}

func runStop(cmd *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)

	if !procMgr.IsRunning() {
		color.Yellow("%s is not running", AppName)
		return nil
	}

	color.Yellow("Stopping %s...", AppName)

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if err := procMgr.Stop(timeout); err != nil {
		return err
	}

	color.Green("Stopped")

	return nil
}
