package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestManager_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_OPENROUTER_KEY", "sk-or-secret")

	writeConfig(t, dir, DefaultConfigFilename, `
host: 0.0.0.0
port: 8080
shutdown_grace: 3s
providers:
  - name: openrouter
    model: anthropic/claude-3.5-sonnet
    api_key: ${TEST_OPENROUTER_KEY}
    timeout: 45s
  - name: ollama
    model: llama3
    base_url: http://gpu-box:11434
    is_baseline: true
    stream_format: chat_delta
usage:
  store: sqlite
pricing:
  llama3:
    input_per_mtok: 0.1
    output_per_mtok: 0.2
`)

	mgr := NewManager(dir, "")
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.ShutdownGrace)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, providers.Config{
		Name:    "openrouter",
		Model:   "anthropic/claude-3.5-sonnet",
		APIKey:  "sk-or-secret",
		Timeout: 45 * time.Second,
	}, cfg.Providers[0])
	assert.True(t, cfg.Providers[1].IsBaseline)
	assert.Equal(t, stream.FormatChatDelta, cfg.Providers[1].StreamFormat)

	assert.Equal(t, StoreSQLite, cfg.Usage.Store)
	assert.Equal(t, filepath.Join(dir, "usage.db"), cfg.Usage.Path)
	assert.Equal(t, DefaultFlushInterval, cfg.Usage.FlushInterval)

	table := cfg.PricingTable()
	assert.Equal(t, usage.Price{InputPerMTok: 0.1, OutputPerMTok: 0.2}, table["llama3"])
	assert.Contains(t, table, "gpt-4o", "built-in prices are kept")

	assert.NoError(t, cfg.Validate())
	assert.Same(t, cfg, mgr.Get())
}

func TestManager_LoadJSONAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"providers":[{"name":"ollama","model":"llama3"}]}`)

	cfg, err := NewManager(dir, path).Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, StoreJSON, cfg.Usage.Store)
	assert.Equal(t, filepath.Join(dir, "usage.json"), cfg.Usage.Path)
	assert.Equal(t, "127.0.0.1:6970", cfg.Address())
}

func TestManager_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultConfigFilename, "port: 7000\nproviders:\n  - name: ollama\n")

	t.Setenv("CRP_PORT", "7100")
	t.Setenv("CRP_USAGE__STORE", "none")

	cfg, err := NewManager(dir, "").Load()
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Port)
	assert.Equal(t, StoreNone, cfg.Usage.Store)
	assert.Empty(t, cfg.Usage.Path)
}

func TestManager_DotEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultEnvFilename, "DOTENV_TEST_GROQ_KEY=gsk-from-dotenv\n")
	writeConfig(t, dir, DefaultConfigFilename, "providers:\n  - name: groq\n    api_key: ${DOTENV_TEST_GROQ_KEY}\n")

	t.Cleanup(func() { os.Unsetenv("DOTENV_TEST_GROQ_KEY") })

	cfg, err := NewManager(dir, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "gsk-from-dotenv", cfg.Providers[0].APIKey)
}

func TestManager_Missing(t *testing.T) {
	mgr := NewManager(t.TempDir(), "")

	assert.False(t, mgr.Exists())

	_, err := mgr.Load()
	assert.Error(t, err)

	cfg := mgr.Get()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.Providers)
}

func TestManager_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, "")

	want := Default()
	want.Providers[0].APIKey = "sk-ant-test"
	want.Providers[0].Timeout = 90 * time.Second

	require.NoError(t, mgr.Save(want))
	assert.True(t, mgr.Exists())

	got, err := NewManager(dir, "").Load()
	require.NoError(t, err)

	assert.Equal(t, want.Providers, got.Providers)
	assert.Equal(t, want.Usage.FlushInterval, got.Usage.FlushInterval)
	assert.Equal(t, want.ShutdownGrace, got.ShutdownGrace)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no providers", mutate: func(c *Config) { c.Providers = nil }, wantErr: "no providers"},
		{name: "unknown provider", mutate: func(c *Config) { c.Providers[0].Name = "bedrock" }, wantErr: "unknown provider"},
		{name: "missing key", mutate: func(c *Config) { c.Providers[0].APIKey = "" }, wantErr: "api_key is required"},
		{name: "bad stream format", mutate: func(c *Config) { c.Providers[1].StreamFormat = "xml" }, wantErr: "ollama"},
		{name: "duplicate", mutate: func(c *Config) { c.Providers[1] = c.Providers[0] }, wantErr: "more than once"},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "out of range"},
		{name: "bad store", mutate: func(c *Config) { c.Usage.Store = "redis" }, wantErr: "unknown store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Providers[0].APIKey = "sk-ant-test"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedAndMask(t *testing.T) {
	cfg := Default()
	cfg.Providers[0].APIKey = "sk-ant-0123456789"

	red := cfg.Redacted()
	assert.Equal(t, "sk-a*********6789", red.Providers[0].APIKey)
	assert.Equal(t, "sk-ant-0123456789", cfg.Providers[0].APIKey, "original untouched")

	assert.Equal(t, "", MaskString(""))
	assert.Equal(t, "*****", MaskString("short"))
}
