// Package config loads and validates hive.yaml.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/distributor"
	"github.com/cuemby/hive/pkg/executor"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the hive.yaml file
type Config struct {
	Log         log.Config         `yaml:"log"`
	Store       StoreConfig        `yaml:"store"`
	Archive     ArchiveConfig      `yaml:"archive"`
	Queue       queue.Config       `yaml:"queue"`
	Distributor distributor.Config `yaml:"distributor"`
	Executor    executor.Config    `yaml:"executor"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// StoreConfig selects the coordination store
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ArchiveConfig locates the bbolt archive. An empty data dir disables it.
type ArchiveConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: log.Config{Level: log.InfoLevel},
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Archive:     ArchiveConfig{DataDir: "./hive-data"},
		Queue:       queue.DefaultConfig(),
		Distributor: distributor.DefaultConfig(),
		Executor:    executor.DefaultConfig(),
		Metrics:     MetricsConfig{Addr: ":9090", Interval: 15 * time.Second},
	}
}

// Load reads a YAML file over the defaults. A missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if !c.Distributor.Strategy.Valid() {
		errs = append(errs, fmt.Errorf("unknown allocation strategy %q", c.Distributor.Strategy))
	}

	intervals := map[string]time.Duration{
		"queue.scheduler_interval":          c.Queue.SchedulerInterval,
		"queue.timeout_check_interval":      c.Queue.TimeoutCheckInterval,
		"queue.cleanup_interval":            c.Queue.CleanupInterval,
		"queue.retention":                   c.Queue.Retention,
		"distributor.heartbeat_timeout":     c.Distributor.HeartbeatTimeout,
		"distributor.health_check_interval": c.Distributor.HealthCheckInterval,
		"distributor.rebalance_interval":    c.Distributor.RebalanceInterval,
		"executor.poll_interval":            c.Executor.PollInterval,
		"executor.shutdown_grace":           c.Executor.ShutdownGrace,
		"metrics.interval":                  c.Metrics.Interval,
	}
	for name, d := range intervals {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Executor.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("executor.max_concurrent_jobs must be positive"))
	}
	if c.Queue.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("queue.default_max_retries must not be negative"))
	}

	return errors.Join(errs...)
}

// OpenStore connects to the configured coordination store
func (c *Config) OpenStore(ctx context.Context) (coord.Store, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return coord.NewMemoryStore(), nil
	case BackendRedis:
		store, err := coord.NewRedisStore(ctx, coord.RedisOptions{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// OpenArchive opens the bbolt archive, or returns nil when it is disabled
func (c *Config) OpenArchive() (storage.Store, error) {
	if c.Archive.DataDir == "" {
		return nil, nil
	}
	archive, err := storage.NewBoltStore(c.Archive.DataDir)
	if err != nil {
		return nil, err
	}
	return archive, nil
}
