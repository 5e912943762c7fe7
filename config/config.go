// Package config provides configuration loading for quilld.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete quilld configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	LLM    LLMConfig    `yaml:"llm"`
	Engine EngineConfig `yaml:"engine"`
	Email  EmailConfig  `yaml:"email"`
	HTTP   HTTPConfig   `yaml:"http"`
}

// StoreConfig configures the SQLite store and checkpoint database.
type StoreConfig struct {
	// Path is the SQLite database file ("quill.db" by default).
	Path string `yaml:"path"`
	// CheckpointPath is the checkpoint database; empty shares Path.
	CheckpointPath string `yaml:"checkpoint_path"`
}

// RedisConfig configures the job queue connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces all queue keys.
	Prefix string `yaml:"prefix"`
}

// LLMConfig selects and configures the language-model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model when set.
	Model string `yaml:"model"`
	// APIKey is usually left empty and taken from the provider's
	// environment variable (ANTHROPIC_API_KEY, OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`
}

// EngineConfig tunes run execution and housekeeping.
type EngineConfig struct {
	// RunTimeout is the wall-clock budget for one graph run.
	RunTimeout time.Duration `yaml:"run_timeout"`
	// LockTTL is the case lease duration.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// HeartbeatEvery is the lease refresh interval.
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	// ReapEvery is the reaper sweep interval.
	ReapEvery time.Duration `yaml:"reap_every"`
	// FollowupEvery is the follow-up dispatcher interval.
	FollowupEvery time.Duration `yaml:"followup_every"`
	// Workers is the number of agent-queue consumers.
	Workers int `yaml:"workers"`
}

// EmailConfig configures outbound dispatch.
type EmailConfig struct {
	// DryRun records sends instead of dispatching them. On until a real
	// provider is configured.
	DryRun bool `yaml:"dry_run"`
}

// HTTPConfig configures the observability surface.
type HTTPConfig struct {
	// MetricsAddr serves Prometheus metrics when non-empty, e.g.
	// ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	// Tracing mirrors every engine event onto the globally registered
	// OpenTelemetry tracer provider.
	Tracing bool `yaml:"tracing"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "quill.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "quill",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Engine: EngineConfig{
			RunTimeout:     120 * time.Second,
			LockTTL:        30 * time.Minute,
			HeartbeatEvery: 30 * time.Second,
			ReapEvery:      60 * time.Second,
			FollowupEvery:  time.Minute,
			Workers:        4,
		},
		Email: EmailConfig{
			DryRun: true,
		},
		HTTP: HTTPConfig{
			MetricsAddr: "",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("llm.provider must be anthropic, openai, or mock")
	}
	if c.Engine.RunTimeout <= 0 {
		return fmt.Errorf("engine.run_timeout must be positive")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	return nil
}

// Load reads configuration: defaults, then the YAML file at path (skipped
// when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays QUILL_* environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.Store.Path, "QUILL_DB_PATH")
	setString(&c.Store.CheckpointPath, "QUILL_CHECKPOINT_PATH")
	setString(&c.Redis.Addr, "QUILL_REDIS_ADDR")
	setString(&c.Redis.Password, "QUILL_REDIS_PASSWORD")
	setString(&c.Redis.Prefix, "QUILL_QUEUE_PREFIX")
	setString(&c.LLM.Provider, "QUILL_LLM_PROVIDER")
	setString(&c.LLM.Model, "QUILL_LLM_MODEL")
	setString(&c.HTTP.MetricsAddr, "QUILL_METRICS_ADDR")

	if v := os.Getenv("QUILL_TRACING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.HTTP.Tracing = b
		}
	}
	if v := os.Getenv("QUILL_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Email.DryRun = b
		}
	}
	if v := os.Getenv("QUILL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.Workers = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
