// Package config loads the launcher configuration. The proxy core never reads
// it directly; the launcher turns it into server options and provider routes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.yaml"
	DefaultEnvFilename    = ".env"
	DefaultShutdownGrace  = 10 * time.Second
	DefaultFlushInterval  = time.Minute

	// EnvPrefix marks overrides: CRP_PORT=7000, CRP_USAGE__STORE=sqlite.
	EnvPrefix = "CRP_"

	// EncodingNone disables tiktoken and uses the approximate counter.
	EncodingNone = "none"
)

// Usage store kinds.
const (
	StoreNone   = "none"
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

type UsageConfig struct {
	Store         string        `json:"store" yaml:"store" koanf:"store"`
	Path          string        `json:"path,omitempty" yaml:"path,omitempty" koanf:"path"`
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty" koanf:"flush_interval"`
}

type Config struct {
	Host          string             `json:"host" yaml:"host" koanf:"host"`
	Port          int                `json:"port" yaml:"port" koanf:"port"`
	ShutdownGrace time.Duration      `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty" koanf:"shutdown_grace"`
	TokenEncoding string             `json:"token_encoding,omitempty" yaml:"token_encoding,omitempty" koanf:"token_encoding"`
	Providers     []providers.Config `json:"providers" yaml:"providers" koanf:"providers"`
	Usage         UsageConfig        `json:"usage" yaml:"usage" koanf:"usage"`
	// Pricing entries are merged over the built-in price table.
	Pricing usage.Pricing `json:"pricing,omitempty" yaml:"pricing,omitempty" koanf:"pricing"`
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PricingTable returns the built-in prices with the configured overrides.
func (c *Config) PricingTable() usage.Pricing {
	table := usage.DefaultPricing()
	for model, price := range c.Pricing {
		table[model] = price
	}

	return table
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}

	for i, p := range c.Providers {
		if !detector.Known(detector.Provider(p.Name)) {
			errs = append(errs, fmt.Errorf("provider %d: unknown provider %q", i, p.Name))
			continue
		}

		if p.APIKey == "" && p.Name != string(detector.Ollama) {
			errs = append(errs, fmt.Errorf("provider %s: api_key is required", p.Name))
		}

		if p.StreamFormat != "" {
			if _, err := stream.ParseFormat(string(p.StreamFormat)); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", p.Name, err))
			}
		}

		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("provider %s: negative timeout", p.Name))
		}
	}

	if len(errs) == 0 {
		if _, err := providers.NewRegistry(c.Providers); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Usage.Store {
	case StoreNone, StoreJSON, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("usage.store: unknown store %q", c.Usage.Store))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = make([]providers.Config, len(c.Providers))

	for i, p := range c.Providers {
		p.APIKey = MaskString(p.APIKey)
		out.Providers[i] = p
	}

	return &out
}

// MaskString hides all but the edges of a secret.
func MaskString(s string) string {
	if s == "" {
		return ""
	}

	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// Default returns a starter configuration: a local Ollama route and the
// native Anthropic route as baseline.
func Default() *Config {
	return &Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		ShutdownGrace: DefaultShutdownGrace,
		Providers: []providers.Config{
			{Name: string(detector.Anthropic), Model: "claude-3-5-sonnet-latest", APIKey: "${ANTHROPIC_API_KEY}", IsBaseline: true},
			{Name: string(detector.Ollama), Model: "llama3.2", BaseURL: "http://localhost:11434"},
		},
		Usage: UsageConfig{Store: StoreJSON, FlushInterval: DefaultFlushInterval},
	}
}

type Manager struct {
	baseDir     string
	configPath  string
	configValue atomic.Pointer[Config]
}

// NewManager reads configuration from baseDir. A non-empty path overrides
// the config file location.
func NewManager(baseDir, path string) *Manager {
	if path == "" {
		path = filepath.Join(baseDir, DefaultConfigFilename)
	}

	return &Manager{
		baseDir:    baseDir,
		configPath: path,
	}
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Load reads .env from the base directory, then the config file, then
// CRP_ environment overrides, and applies defaults. A missing config file is
// an error; use Exists to check first.
func (m *Manager) Load() (*Config, error) {
	if err := godotenv.Load(filepath.Join(m.baseDir, DefaultEnvFilename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	k := koanf.New(".")

	// YAML is a superset of JSON, so config.json files load too.
	if err := k.Load(file.Provider(m.configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	m.applyDefaults(&cfg)

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
		cfg.Providers[i].BaseURL = substituteEnvVars(cfg.Providers[i].BaseURL)
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (m *Manager) applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	if cfg.Usage.Store == "" {
		cfg.Usage.Store = StoreJSON
	}

	if cfg.Usage.Path == "" {
		switch cfg.Usage.Store {
		case StoreJSON:
			cfg.Usage.Path = filepath.Join(m.baseDir, "usage.json")
		case StoreSQLite:
			cfg.Usage.Path = filepath.Join(m.baseDir, "usage.db")
		}
	}

	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = DefaultFlushInterval
	}
}

// Get returns the last loaded configuration, loading it on first use. When
// loading fails the defaults are returned without providers.
func (m *Manager) Get() *Config {
	if cfg := m.configValue.Load(); cfg != nil {
		return cfg
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}

	return cfg
}

// Save writes cfg as YAML.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}
