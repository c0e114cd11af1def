// Package config loads the core's configuration the way the teacher's
// pkg/config does: godotenv for local .env files, envdecode for env-var
// binding, and an optional YAML file layered underneath. The surrounding
// application's own config loading is explicitly out of scope (spec §1
// Non-goals); this only covers the four components' own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RedisConfig controls the shared Redis connection backing both the KV
// store and the Bus's durable stream mirror.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// NamespaceConfig scopes all KV keys and stream names so multiple
// deployments can share one Redis instance (spec §6 key/topic prefix).
type NamespaceConfig struct {
	Name string `json:"name" yaml:"name" env:"CORE_NAMESPACE"`
}

// BusConfig controls durable-stream retention and redelivery policy.
type BusConfig struct {
	ConsumerGroup      string `json:"consumer_group" yaml:"consumer_group" env:"BUS_CONSUMER_GROUP"`
	StreamMaxLen       int64  `json:"stream_max_len" yaml:"stream_max_len" env:"BUS_STREAM_MAX_LEN"`
	MaxRedeliveries    int    `json:"max_redeliveries" yaml:"max_redeliveries" env:"BUS_MAX_REDELIVERIES"`
	ClaimMinIdleTimeMS int64  `json:"claim_min_idle_ms" yaml:"claim_min_idle_ms" env:"BUS_CLAIM_MIN_IDLE_MS"`
}

// SchedulerConfig controls the dispatch loop's polling cadence and CAS
// retry ceiling.
type SchedulerConfig struct {
	TickInterval   int `json:"tick_interval_ms" yaml:"tick_interval_ms" env:"SCHEDULER_TICK_INTERVAL_MS"`
	CASMaxAttempts int `json:"cas_max_attempts" yaml:"cas_max_attempts" env:"SCHEDULER_CAS_MAX_ATTEMPTS"`
}

// ObserverConfig controls the fan-out channel's per-subscriber buffering.
type ObserverConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer" env:"OBSERVER_SUBSCRIBER_BUFFER"`
	SendTimeoutMS    int `json:"send_timeout_ms" yaml:"send_timeout_ms" env:"OBSERVER_SEND_TIMEOUT_MS"`
}

// Config is the top-level configuration for the core runtime.
type Config struct {
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Namespace NamespaceConfig `json:"namespace" yaml:"namespace"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Observer  ObserverConfig  `json:"observer" yaml:"observer"`
}

// New returns a Config populated with defaults, mirroring the teacher's
// config.New().
func New() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Namespace: NamespaceConfig{Name: "core"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			ConsumerGroup:      "core-workers",
			StreamMaxLen:       10000,
			MaxRedeliveries:    5,
			ClaimMinIdleTimeMS: 30000,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   1000,
			CASMaxAttempts: 8,
		},
		Observer: ObserverConfig{
			SubscriberBuffer: 64,
			SendTimeoutMS:    50,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE env var, else configs/config.yaml if present), and
// finally environment variables, which take precedence over both.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, skipping env overlay.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
