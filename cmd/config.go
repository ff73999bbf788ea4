package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mihaisavezi/claude-route-proxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Create, inspect and validate the proxy configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long:  `Write a configuration with an Anthropic baseline route and a local Ollama route. API keys are read from the environment or the .env file next to it.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Print the loaded configuration as YAML with API keys masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(cfgMgr.GetPath())
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if cfgMgr.Exists() && !force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", cfgMgr.GetPath())
	}

	if err := cfgMgr.Save(config.Default()); err != nil {
		return err
	}

	color.Green("Configuration written to %s", cfgMgr.GetPath())
	fmt.Println("Set ANTHROPIC_API_KEY in your environment or in", config.DefaultEnvFilename, "under", cfgMgr.BaseDir())

	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	color.Blue("Configuration (%s):", cfgMgr.GetPath())
	_, err = os.Stdout.Write(out)

	return err
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration is invalid:")

		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Printf("  - %v\n", e)
			}
		} else {
			fmt.Printf("  - %v\n", err)
		}

		return errors.New("validation failed")
	}

	color.Green("Configuration is valid")
	fmt.Printf("  %-15s: %d\n", "Providers", len(cfg.Providers))
	fmt.Printf("  %-15s: %s\n", "Endpoint", cfg.Address())

	return nil
}
