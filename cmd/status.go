package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-route-proxy/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status",
	Long:  `Display whether the proxy is running and which routes the configuration defines.`,
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)

	running := procMgr.IsRunning()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)

	if running {
		fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	}

	if cfgMgr.Exists() {
		cfg, err := cfgMgr.Load()
		if err != nil {
			color.Red("  %-15s: %v", "Config Error", err)
		} else {
			fmt.Printf("  %-15s: http://%s\n", "Endpoint", cfg.Address())
			fmt.Printf("  %-15s: %s\n", "Usage Store", cfg.Usage.Store)

			for _, p := range cfg.Providers {
				label := p.Model
				if p.IsBaseline {
					label += " (baseline)"
				}

				fmt.Printf("  %-15s: %s\n", "Route "+p.Name, label)
			}
		}
	}

	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}
