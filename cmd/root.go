package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-route-proxy/internal/config"
)

const (
	AppName = "claude-route-proxy"
	Version = "0.3.0"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

var rootCmd = &cobra.Command{
	Use:     "crp",
	Short:   "Claude Route Proxy - multi-provider Messages API proxy",
	Long:    `A localhost proxy that accepts Anthropic Messages requests and routes them to Ollama, OpenRouter, OpenAI, Gemini and other providers by model prefix, translating responses and streams back.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		noColor, _ := cmd.Flags().GetBool("no-color")
		setupLogging(verbose, noColor)

		return setupDirs(cmd)
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default $HOME/.claude-route-proxy/config.yaml)")
	rootCmd.PersistentFlags().String("base-dir", "", "state directory for config, .env, PID and usage files")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose, noColor bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	color.NoColor = color.NoColor || noColor

	logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    color.NoColor,
	}))
	slog.SetDefault(logger)
}

func setupDirs(cmd *cobra.Command) error {
	baseDir, _ = cmd.Flags().GetString("base-dir")
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		baseDir = filepath.Join(homeDir, "."+AppName)
	}

	path, _ := cmd.Flags().GetString("config")
	cfgMgr = config.NewManager(baseDir, path)

	return nil
}

func loadConfig() (*config.Config, error) {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found at %s", cfgMgr.GetPath())
		fmt.Println("Run 'crp config init' to create one.")

		return nil, fmt.Errorf("configuration required")
	}

	return cfgMgr.Load()
}
