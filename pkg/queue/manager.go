package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidJob is returned by Submit for a definition that can never run
	ErrInvalidJob = errors.New("invalid job")
	// ErrNotFound is returned for an unknown job id
	ErrNotFound = errors.New("job not found")
	// ErrNotLeased is returned when a worker reports on a job it does not hold
	ErrNotLeased = errors.New("job not leased by worker")
)

// HandlerFunc executes one job and returns its result payload
type HandlerFunc func(ctx context.Context, job *types.JobDefinition) (types.Payload, error)

// Config holds queue manager configuration
type Config struct {
	Prefix               string        `yaml:"prefix"`
	CacheSize            int           `yaml:"cache_size"`
	DefaultMaxRetries    int           `yaml:"default_max_retries"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	SchedulerInterval    time.Duration `yaml:"scheduler_interval"`
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	Retention            time.Duration `yaml:"retention"`
	BatchSize            int64         `yaml:"batch_size"`

	// Now overrides the clock, for tests
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		Prefix:               coord.DefaultPrefix,
		CacheSize:            10000,
		DefaultMaxRetries:    3,
		DefaultTimeout:       time.Hour,
		SchedulerInterval:    time.Second,
		TimeoutCheckInterval: 5 * time.Second,
		CleanupInterval:      time.Hour,
		Retention:            24 * time.Hour,
		BatchSize:            100,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = def.SchedulerInterval
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = def.TimeoutCheckInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager owns the job lifecycle: submission, priority queues, dependencies,
// deferred jobs, leases, timeouts and retries. All shared state lives in the
// coordination store, so several managers may run against one store.
type Manager struct {
	store   coord.Store
	archive storage.Store
	keys    coord.Keys
	cfg     Config
	logger  zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	// Definitions are immutable once stored; entries are dropped on terminal status
	definitions *lru.Cache[string, *types.JobDefinition]
	results     *lru.Cache[string, *types.JobResult]
}

// NewManager creates a queue manager on store. archive may be nil.
func NewManager(store coord.Store, archive storage.Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	cfg.applyDefaults()

	definitions, err := lru.New[string, *types.JobDefinition](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}
	results, err := lru.New[string, *types.JobResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		store:       store,
		archive:     archive,
		keys:        coord.NewKeys(cfg.Prefix),
		cfg:         cfg,
		logger:      log.WithComponent("queue"),
		handlers:    make(map[string]HandlerFunc),
		definitions: definitions,
		results:     results,
	}, nil
}

// Keys returns the key schema the manager writes
func (m *Manager) Keys() coord.Keys {
	return m.keys
}

// RegisterHandler associates jobType with fn and advertises the type in the
// store so producers in other processes accept it
func (m *Manager) RegisterHandler(ctx context.Context, jobType string, fn HandlerFunc) error {
	if jobType == "" || fn == nil {
		return fmt.Errorf("%w: handler needs a job type and a function", ErrInvalidJob)
	}

	m.handlersMu.Lock()
	m.handlers[jobType] = fn
	m.handlersMu.Unlock()

	if err := m.store.SAdd(ctx, m.keys.Handlers(), jobType); err != nil {
		return fmt.Errorf("failed to advertise handler %s: %w", jobType, err)
	}
	m.logger.Info().Str("job_type", jobType).Msg("handler registered")
	return nil
}

// Handler returns the locally registered handler for jobType
func (m *Manager) Handler(jobType string) (HandlerFunc, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	fn, ok := m.handlers[jobType]
	return fn, ok
}

func (m *Manager) handlerKnown(ctx context.Context, jobType string) (bool, error) {
	if _, ok := m.Handler(jobType); ok {
		return true, nil
	}
	return m.store.SIsMember(ctx, m.keys.Handlers(), jobType)
}

// Stats returns queue occupancy
func (m *Manager) Stats(ctx context.Context) (types.QueueStats, error) {
	stats := types.QueueStats{Queued: make(map[types.Priority]int64, len(types.Priorities))}
	for _, p := range types.Priorities {
		n, err := m.store.ListLen(ctx, m.keys.Queue(p))
		if err != nil {
			return stats, fmt.Errorf("failed to read queue %s: %w", p, err)
		}
		stats.Queued[p] = n
	}

	var err error
	if stats.Scheduled, err = m.store.ZCard(ctx, m.keys.Scheduled()); err != nil {
		return stats, fmt.Errorf("failed to read scheduled jobs: %w", err)
	}
	if stats.Running, err = m.store.ZCard(ctx, m.keys.Timeouts()); err != nil {
		return stats, fmt.Errorf("failed to read running jobs: %w", err)
	}
	if stats.Finished, err = m.store.ZCard(ctx, m.keys.Finished()); err != nil {
		return stats, fmt.Errorf("failed to read finished jobs: %w", err)
	}
	return stats, nil
}

func (m *Manager) now() time.Time {
	return m.cfg.Now()
}

// score converts a time into a sorted-set score
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
