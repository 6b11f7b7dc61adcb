package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "molt.yml"

// Config models molt.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Activity  ActivityConfig  `yaml:"activity"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Stats     struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"stats"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Workspace       string        `yaml:"workspace"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
	KeyCacheTTL   time.Duration `yaml:"key_cache_ttl"`
	KeyCacheSize  int64         `yaml:"key_cache_size"`
}

type EscrowConfig struct {
	InitialGrant       int64 `yaml:"initial_grant"`
	CreditsPerEffort   int64 `yaml:"credits_per_effort"`
	AllowWorkerAbandon bool  `yaml:"allow_worker_abandon"`
}

type ActivityConfig struct {
	Sinks struct {
		NATS struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
		AMQP struct {
			URL   string `yaml:"url"`
			Queue string `yaml:"queue"`
		} `yaml:"amqp"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"sinks"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Rotation    struct {
		MaxSizeMB  int  `yaml:"max_size_mb"`
		MaxBackups int  `yaml:"max_backups"`
		MaxAgeDays int  `yaml:"max_age_days"`
		Compress   bool `yaml:"compress"`
	} `yaml:"rotation"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("config.database.driver must be 'sqlite' or 'mysql'")
	}
	if c.Escrow.InitialGrant < 0 {
		return fmt.Errorf("config.escrow.initial_grant must not be negative")
	}
	if c.Escrow.CreditsPerEffort <= 0 {
		return fmt.Errorf("config.escrow.credits_per_effort must be positive")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("config.auth.session_ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("config.auth.bcrypt_cost must be between 4 and 31")
	}
	if c.Auth.KeyCacheTTL < 0 {
		return fmt.Errorf("config.auth.key_cache_ttl must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'text'")
	}
	for i, hook := range c.Activity.Sinks.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.activity.sinks.webhooks[%d].url is required", i)
		}
	}
	if c.Activity.Sinks.NATS.URL != "" && c.Activity.Sinks.NATS.Subject == "" {
		return fmt.Errorf("config.activity.sinks.nats.subject is required with nats.url")
	}
	if c.Activity.Sinks.Redis.Addr != "" && c.Activity.Sinks.Redis.Channel == "" {
		return fmt.Errorf("config.activity.sinks.redis.channel is required with redis.addr")
	}
	if c.Activity.Sinks.AMQP.URL != "" && c.Activity.Sinks.AMQP.Queue == "" {
		return fmt.Errorf("config.activity.sinks.amqp.queue is required with amqp.url")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// LoadOptional returns the default config if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg = Default()
			cfg.Database.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	return cfg, nil
}

// FromYAML parses config on top of the defaults and validates it.
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

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  driver: sqlite
  max_open_conns: 8
  max_idle_conns: 4
  conn_max_lifetime: 30m

auth:
  session_secret: ""
  session_ttl: 720h
  bcrypt_cost: 10
  key_cache_ttl: 1m
  key_cache_size: 10000

escrow:
  initial_grant: 1000
  credits_per_effort: 1
  allow_worker_abandon: false

activity:
  sinks:
    nats:
      url: ""
      subject: molt.activity
    redis:
      addr: ""
      channel: molt:activity
    amqp:
      url: ""
      queue: molt.activity
    webhooks: []

logging:
  level: info
  format: json
  output_paths: [stdout]
  rotation:
    max_size_mb: 100
    max_backups: 5
    max_age_days: 30
    compress: true

telemetry:
  enabled: true
  service_name: moltmarket

stats:
  cache_ttl: 30s
`
