// Package config loads runtime configuration for the queue-worker and
// queue-drain binaries from environment variables, following the
// struct-tag-driven approach of rezkam-mono/internal/config +
// internal/env (ported here rather than imported since it's an internal
// helper, not a published module).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds settings shared by cmd/queue-worker and cmd/queue-drain.
// Both binaries load the same struct and only touch the fields relevant
// to their role; unused fields (e.g. a worker ignoring DrainBatchSize)
// cost nothing.
type Config struct {
	RedisAddr           string `env:"QUEUE_REDIS_ADDR"`
	RedisSentinelAddrs  string `env:"QUEUE_REDIS_SENTINEL_ADDRS"`
	RedisSentinelMaster string `env:"QUEUE_REDIS_SENTINEL_MASTER"`
	RedisPrefix         string `env:"QUEUE_REDIS_PREFIX"`

	PostgresDSN string `env:"QUEUE_POSTGRES_DSN"`

	QueueNames          string        `env:"QUEUE_NAMES"`
	Lease               time.Duration `env:"QUEUE_LEASE"`
	PollInterval        time.Duration `env:"QUEUE_POLL_INTERVAL"`
	MaxBackoff          time.Duration `env:"QUEUE_MAX_BACKOFF"`
	DefaultMaxRetries   int64         `env:"QUEUE_DEFAULT_MAX_RETRIES"`
	Concurrency         int64         `env:"QUEUE_CONCURRENCY"`
	ShutdownGrace       time.Duration `env:"QUEUE_SHUTDOWN_GRACE"`

	DrainGroup     string `env:"QUEUE_DRAIN_GROUP"`
	DrainBatchSize int64  `env:"QUEUE_DRAIN_BATCH_SIZE"`

	LogLevel string `env:"QUEUE_LOG_LEVEL"`
}

// Load reads Config from the environment, applying defaults to anything
// left unset before loadEnv runs (loadEnv never zeroes a field it finds no
// variable for, so pre-seeding the struct IS the defaulting mechanism).
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:         "127.0.0.1:6379",
		RedisPrefix:       "",
		QueueNames:        "default",
		Lease:             60 * time.Second,
		PollInterval:      1 * time.Second,
		MaxBackoff:        15 * time.Minute,
		DefaultMaxRetries: 0,
		Concurrency:       0, // 0 => queue.WorkerPool's own 2xGOMAXPROCS default
		ShutdownGrace:     60 * time.Second,
		DrainGroup:        "generic",
		DrainBatchSize:    50,
		LogLevel:          "info",
	}

	if err := loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisAddr == "" && c.RedisSentinelAddrs == "" {
		return fmt.Errorf("config: one of QUEUE_REDIS_ADDR or QUEUE_REDIS_SENTINEL_ADDRS is required")
	}
	if c.RedisSentinelAddrs != "" && c.RedisSentinelMaster == "" {
		return fmt.Errorf("config: QUEUE_REDIS_SENTINEL_MASTER is required when QUEUE_REDIS_SENTINEL_ADDRS is set")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: QUEUE_POSTGRES_DSN is required")
	}
	if len(c.Queues()) == 0 {
		return fmt.Errorf("config: QUEUE_NAMES must name at least one queue")
	}
	return nil
}

// Queues splits QueueNames on commas, trimming whitespace and dropping
// empty entries.
func (c *Config) Queues() []string {
	var out []string
	for _, name := range strings.Split(c.QueueNames, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// SentinelAddrs splits RedisSentinelAddrs on commas the same way Queues
// splits QueueNames.
func (c *Config) SentinelAddrs() []string {
	var out []string
	for _, addr := range strings.Split(c.RedisSentinelAddrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
