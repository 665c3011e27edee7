package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeManual    = "manual"
	ModeSimulated = "simulated"
)

// Config models phaseline.yml.
type Config struct {
	Verification VerificationConfig `yaml:"verification"`
	Verifiers    []string           `yaml:"verifiers"`
	Payments     struct {
		AllowPartial bool `yaml:"allow_partial"`
	} `yaml:"payments"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// LegacyActorHeaders accepts X-Actor-Id/X-Actor-Role without a token.
		LegacyActorHeaders *bool `yaml:"legacy_actor_headers"`
	} `yaml:"server"`
	Log      LogConfig       `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// VerificationConfig selects how payment and fund releases get confirmed.
type VerificationConfig struct {
	Mode         string        `yaml:"mode"`
	PaymentDelay time.Duration `yaml:"payment_delay"`
	ReleaseDelay time.Duration `yaml:"release_delay"`
	StartDelay   time.Duration `yaml:"start_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Actions        []string `yaml:"actions"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// LegacyHeadersEnabled reports whether header-only actor auth is allowed.
func (c *Config) LegacyHeadersEnabled() bool {
	if c == nil || c.Server.LegacyActorHeaders == nil {
		return true
	}
	return *c.Server.LegacyActorHeaders
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Verification.Mode {
	case ModeManual, ModeSimulated:
	default:
		return fmt.Errorf("config.verification.mode must be %q or %q, got %q", ModeManual, ModeSimulated, c.Verification.Mode)
	}
	if c.Verification.PaymentDelay < 0 || c.Verification.ReleaseDelay < 0 || c.Verification.StartDelay < 0 {
		return fmt.Errorf("config.verification delays must not be negative")
	}
	for i, v := range c.Verifiers {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("config.verifiers[%d] is empty", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{
		Verification: VerificationConfig{Mode: ModeManual},
		Log:          LogConfig{Level: "info", Format: "json"},
	}
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `verification:
  # manual: a verifier confirms payments and releases.
  # simulated: confirmations fire automatically after the delays below.
  mode: manual
  payment_delay: 2s
  release_delay: 2s
  start_delay: 0s

# identities allowed to act as verifier; empty allows any
verifiers: []

payments:
  allow_partial: false

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: json

webhooks: []
`
