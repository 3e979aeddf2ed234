package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"collabtext/hub"
	"collabtext/store"
)

type CompactionConfig struct {
	MaxRecords int `yaml:"max_records"`
	MaxBytes   int `yaml:"max_bytes"`
}

type RetryConfig struct {
	Attempts        uint64        `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Config struct {
	Addr      string `yaml:"addr"`
	Store     string `yaml:"store"`
	RedisAddr string `yaml:"redis_addr"`

	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	EvictInterval     time.Duration `yaml:"evict_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	CompactionWorkers int           `yaml:"compaction_workers"`

	Compaction CompactionConfig `yaml:"compaction"`
	Retry      RetryConfig      `yaml:"retry"`
}

func defaultConfig() *Config {
	policy := store.DefaultCompactionPolicy()
	retry := store.DefaultRetryConfig()
	return &Config{
		Addr:              ":8081",
		Store:             "collabtext.db",
		IdleTimeout:       5 * time.Minute,
		EvictInterval:     30 * time.Second,
		LivenessTimeout:   60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		SendBuffer:        hub.DefaultSendBuffer,
		CompactionWorkers: 4,
		Compaction: CompactionConfig{
			MaxRecords: policy.MaxRecords,
			MaxBytes:   policy.MaxBytes,
		},
		Retry: RetryConfig{
			Attempts:        retry.Attempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
		},
	}
}

// loadConfig layers the defaults, the YAML file at path (if any) and the
// environment, in that order.
func loadConfig(path string, getenv func(string) string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Store = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("COLLABTEXT_ADDR"); v != "" {
		cfg.Addr = v
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("config: addr is empty")
	case c.Store == "":
		return fmt.Errorf("config: store is empty")
	case c.SendBuffer <= 0:
		return fmt.Errorf("config: send_buffer must be positive")
	case c.Compaction.MaxRecords < 0 || c.Compaction.MaxBytes < 0:
		return fmt.Errorf("config: compaction thresholds must not be negative")
	case c.Retry.Attempts == 0:
		return fmt.Errorf("config: retry.attempts must be positive")
	}
	return nil
}

func (c *Config) compactionPolicy() store.CompactionPolicy {
	return store.CompactionPolicy{
		MaxRecords: c.Compaction.MaxRecords,
		MaxBytes:   c.Compaction.MaxBytes,
	}
}

func (c *Config) retryConfig() store.RetryConfig {
	return store.RetryConfig{
		Attempts:        c.Retry.Attempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}
