package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models jd.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret               string `yaml:"jwt_secret"`
		TokenTTL                string `yaml:"token_ttl"`
		AllowLegacyUserHeader   bool   `yaml:"allow_legacy_user_header"`
		AllowPasswordlessLogins bool   `yaml:"allow_passwordless_logins"`
	} `yaml:"auth"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds the expiry tiers the sweeper applies. Durations are
// Go duration strings so tests can shrink them to milliseconds.
type RetentionConfig struct {
	Terminal      string `yaml:"terminal"`
	Request       string `yaml:"request"`
	MultiRequest  string `yaml:"multi_request"`
	Project       string `yaml:"project"`
	ArchiveGrace  string `yaml:"archive_grace"`
	SweepInterval string `yaml:"sweep_interval"`
}

const defaultTemplate = `server:
  addr: ":3000"
  base_path: /api

auth:
  jwt_secret: ""
  token_ttl: 24h
  allow_legacy_user_header: false
  allow_passwordless_logins: true

retention:
  terminal: 24h
  request: 720h       # 30 days
  multi_request: 1080h # 45 days
  project: 1440h      # 60 days
  archive_grace: 168h # 7 days
  sweep_interval: 1h
`

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML written by `jd init`.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	durations := map[string]string{
		"retention.terminal":       c.Retention.Terminal,
		"retention.request":        c.Retention.Request,
		"retention.multi_request":  c.Retention.MultiRequest,
		"retention.project":        c.Retention.Project,
		"retention.archive_grace":  c.Retention.ArchiveGrace,
		"retention.sweep_interval": c.Retention.SweepInterval,
	}
	for name, raw := range durations {
		if raw == "" {
			return fmt.Errorf("config.%s is required", name)
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
	}
	if c.Auth.TokenTTL != "" {
		if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
			return fmt.Errorf("config.auth.token_ttl: %w", err)
		}
	}
	return nil
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// TerminalRetention is how long Completed/Rejected requests stay before the
// sweeper marks them expired.
func (c *Config) TerminalRetention() time.Duration {
	return c.duration(c.Retention.Terminal, 24*time.Hour)
}

// RequestExpiry is the pending age threshold for single-department requests.
func (c *Config) RequestExpiry() time.Duration {
	return c.duration(c.Retention.Request, 30*24*time.Hour)
}

// MultiRequestExpiry is the pending age threshold for multi-department requests.
func (c *Config) MultiRequestExpiry() time.Duration {
	return c.duration(c.Retention.MultiRequest, 45*24*time.Hour)
}

// ProjectExpiry is the pending age threshold for projects.
func (c *Config) ProjectExpiry() time.Duration {
	return c.duration(c.Retention.Project, 60*24*time.Hour)
}

// ArchiveGrace is how long archived projects linger before deletion.
func (c *Config) ArchiveGrace() time.Duration {
	return c.duration(c.Retention.ArchiveGrace, 7*24*time.Hour)
}

// SweepInterval is the period of the background sweep loop.
func (c *Config) SweepInterval() time.Duration {
	return c.duration(c.Retention.SweepInterval, time.Hour)
}

// TokenTTL is the lifetime of issued login tokens.
func (c *Config) TokenTTL() time.Duration {
	return c.duration(c.Auth.TokenTTL, 24*time.Hour)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jd.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the workspace has no jd.yml.
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
