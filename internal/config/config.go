// Package config loads and validates the event backbone's configuration.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for the scheduler, webhook dispatcher,
// and notification pipeline.
type Config struct {
	Environment  string             `yaml:"environment"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Notification NotificationConfig `yaml:"notification"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	Redis        RedisConfig        `yaml:"redis"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// LoggingConfig configures the shared logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SchedulerConfig tunes the scheduling tick loop.
type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// WebhookConfig tunes the webhook dispatcher.
type WebhookConfig struct {
	DefaultTimeoutSeconds     int           `yaml:"default_timeout_seconds"`
	DefaultMaxRetries         int           `yaml:"default_max_retries"`
	MaxPayloadSizeBytes       int           `yaml:"max_payload_size_bytes"`
	MaxDeliveriesPerMinute    int           `yaml:"max_deliveries_per_minute"`
	MaxWebhooksPerOwner       int           `yaml:"max_webhooks_per_owner"`
	InitialRetryDelaySeconds  int           `yaml:"initial_retry_delay_seconds"`
	MaxRetryDelaySeconds      int           `yaml:"max_retry_delay_seconds"`
	RetryBackoffMultiplier    float64       `yaml:"retry_backoff_multiplier"`
	MaxConsecutiveFailures    int           `yaml:"max_consecutive_failures"`
	AutoDisableOnFailures     bool          `yaml:"auto_disable_on_failures"`
	DeliveryPollInterval      time.Duration `yaml:"delivery_poll_interval"`
	SignatureToleranceSeconds int           `yaml:"signature_tolerance_seconds"`
}

// NotificationConfig tunes the notification pipeline.
type NotificationConfig struct {
	MaxPerUserPerHour   int           `yaml:"max_per_user_per_hour"`
	MaxPerUserPerDay    int           `yaml:"max_per_user_per_day"`
	PendingPollInterval time.Duration `yaml:"pending_poll_interval"`
	RetentionDays       int           `yaml:"retention_days"`
}

// SecretsConfig selects the backend used to store webhook signing secrets.
type SecretsConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "vault"
	Vault   VaultConfig `yaml:"vault"`
}

// VaultConfig configures the optional HashiCorp Vault secret backend.
type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mount_path"`
}

// RedisConfig configures the optional Redis-backed rate limit store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10,
			WriteTimeout: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			TickInterval:      15 * time.Second,
			MaxConcurrentRuns: 10,
			DefaultTimeout:    30 * time.Second,
			DefaultMaxRetries: 3,
		},
		Webhook: WebhookConfig{
			DefaultTimeoutSeconds:     30,
			DefaultMaxRetries:         5,
			MaxPayloadSizeBytes:       1024 * 1024,
			MaxDeliveriesPerMinute:    1000,
			MaxWebhooksPerOwner:       100,
			InitialRetryDelaySeconds:  60,
			MaxRetryDelaySeconds:      3600,
			RetryBackoffMultiplier:    2.0,
			MaxConsecutiveFailures:    50,
			AutoDisableOnFailures:     true,
			DeliveryPollInterval:      5 * time.Second,
			SignatureToleranceSeconds: 300,
		},
		Notification: NotificationConfig{
			MaxPerUserPerHour:   5,
			MaxPerUserPerDay:    50,
			PendingPollInterval: 5 * time.Second,
			RetentionDays:       30,
		},
		Secrets: SecretsConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
	}
}

func validate(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_runs must be positive")
	}
	if c.Webhook.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("webhook.max_consecutive_failures must be positive")
	}
	if c.Secrets.Backend != "memory" && c.Secrets.Backend != "vault" {
		return fmt.Errorf("secrets.backend must be %q or %q, got %q", "memory", "vault", c.Secrets.Backend)
	}
	if c.Secrets.Backend == "vault" && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when secrets.backend is \"vault\"")
	}
	return nil
}

// GetConfig loads configuration from CONFIG_PATH, or returns defaults if
// that file does not exist.
func GetConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadConfig(path)
}
