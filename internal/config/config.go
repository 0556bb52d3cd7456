// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/frostbridge/frostbridge/internal/auth"
	"github.com/frostbridge/frostbridge/internal/hass"
	"github.com/frostbridge/frostbridge/internal/liebherr"
)

const (
	SchemaVersion                      = 1
	DefaultPath                        = "/etc/frostbridge/config.yaml"
	DefaultHTTPAddr                    = "0.0.0.0:8080"
	DefaultStatePath                   = "/var/lib/frostbridge/token.json"
	DefaultRefreshIntervalSeconds      = 60
	DefaultMaxRefreshIntervalSeconds   = 960
	DefaultRequestTimeoutSeconds       = 30
	DefaultNotificationIntervalSeconds = 300
	DefaultRequestsPerMinute           = 30
)

// Config is the full bridge configuration.
type Config struct {
	SchemaVersion int    `yaml:"schema_version"`
	HTTPAddr      string `yaml:"http_addr"`
	LogLevel      string `yaml:"log_level"`

	Liebherr LiebherrConfig `yaml:"liebherr"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	// Blob optionally mirrors token state to S3-compatible storage so the
	// refresh token survives host loss.
	Blob *auth.BlobConfig `yaml:"blob"`
}

// LiebherrConfig holds the vendor account and endpoints.
type LiebherrConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	// PasswordFile keeps the account password out of the config file.
	PasswordFile string `yaml:"password_file"`
	Password     string `yaml:"password"`
	StatePath    string `yaml:"state_path"`
	// RequestsPerMinute caps outbound API calls client-side. Zero means
	// the default budget.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// RefreshConfig tunes the polling coordinator.
type RefreshConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	MaxIntervalSeconds    int `yaml:"max_interval_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// MQTTConfig shapes the Home Assistant side of the bridge.
type MQTTConfig struct {
	Broker                      hass.BrokerConfig `yaml:"broker"`
	TopicPrefix                 string            `yaml:"topic_prefix"`
	DiscoveryPrefix             string            `yaml:"discovery_prefix"`
	CommandTimeoutSeconds       int               `yaml:"command_timeout_seconds"`
	NotificationIntervalSeconds int               `yaml:"notification_interval_seconds"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates. Unknown keys
// are rejected so typos fail loudly.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Liebherr.BaseURL == "" {
		cfg.Liebherr.BaseURL = liebherr.DefaultBaseURL
	}
	if cfg.Liebherr.StatePath == "" {
		cfg.Liebherr.StatePath = DefaultStatePath
	}
	if cfg.Liebherr.RequestsPerMinute <= 0 {
		cfg.Liebherr.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if cfg.Refresh.IntervalSeconds <= 0 {
		cfg.Refresh.IntervalSeconds = DefaultRefreshIntervalSeconds
	}
	if cfg.Refresh.MaxIntervalSeconds <= 0 {
		cfg.Refresh.MaxIntervalSeconds = DefaultMaxRefreshIntervalSeconds
	}
	if cfg.Refresh.RequestTimeoutSeconds <= 0 {
		cfg.Refresh.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}

	if cfg.MQTT.NotificationIntervalSeconds == 0 {
		cfg.MQTT.NotificationIntervalSeconds = DefaultNotificationIntervalSeconds
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Liebherr.TokenURL == "" {
		return fmt.Errorf("liebherr.token_url is required")
	}
	if cfg.Liebherr.ClientID == "" {
		return fmt.Errorf("liebherr.client_id is required")
	}
	if cfg.Liebherr.Username == "" {
		return fmt.Errorf("liebherr.username is required")
	}
	if cfg.Liebherr.Password == "" && cfg.Liebherr.PasswordFile == "" {
		return fmt.Errorf("liebherr.password or liebherr.password_file is required")
	}
	if cfg.Liebherr.Password != "" && cfg.Liebherr.PasswordFile != "" {
		return fmt.Errorf("liebherr.password and liebherr.password_file are mutually exclusive")
	}

	if cfg.MQTT.Broker.Host == "" {
		return fmt.Errorf("mqtt.broker.host is required")
	}

	if cfg.Blob != nil {
		if cfg.Blob.Endpoint == "" {
			return fmt.Errorf("blob.endpoint is required")
		}
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required")
		}
		if cfg.Blob.AccessKeyFile == "" {
			return fmt.Errorf("blob.access_key_file is required")
		}
		if cfg.Blob.SecretKeyFile == "" {
			return fmt.Errorf("blob.secret_key_file is required")
		}
	}

	return nil
}

// AccountPassword resolves the password, reading PasswordFile if set.
func (c LiebherrConfig) AccountPassword() (string, error) {
	if c.Password != "" {
		return c.Password, nil
	}
	data, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
