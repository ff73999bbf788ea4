package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-route-proxy/internal/process"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Run the claude CLI against the running proxy",
	Long:  `Execute the claude CLI with ANTHROPIC_BASE_URL pointed at the proxy. The proxy must already be running ('crp start').`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(cmd *cobra.Command, args []string) error {
	if !process.NewManager(baseDir).IsRunning() {
		return fmt.Errorf("%s is not running; start it with 'crp start'", AppName)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	claudeCmd := exec.CommandContext(cmd.Context(), "claude", args...)
	claudeCmd.Env = proxyEnv(os.Environ(), cfg.Address())
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

// proxyEnv drops any Anthropic credentials from env and points the client at
// addr. Provider keys live in the proxy configuration.
func proxyEnv(env []string, addr string) []string {
	filtered := make([]string, 0, len(env)+3)

	for _, e := range env {
		if strings.HasPrefix(e, "ANTHROPIC_AUTH_TOKEN=") ||
			strings.HasPrefix(e, "ANTHROPIC_API_KEY=") ||
			strings.HasPrefix(e, "ANTHROPIC_BASE_URL=") {
			continue
		}

		filtered = append(filtered, e)
	}

	return append(filtered,
		"ANTHROPIC_AUTH_TOKEN=proxy",
		"ANTHROPIC_BASE_URL=http://"+addr,
		"API_TIMEOUT_MS=600000",
	)
}
