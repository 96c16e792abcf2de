package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ShutdownReason is the failure reported for jobs abandoned at shutdown
const ShutdownReason = "worker shutdown"

// JobSource is the worker-facing side of the queue manager
type JobSource interface {
	GetNextJob(ctx context.Context, workerID string, caps types.WorkerCapabilities) (*types.JobDefinition, error)
	Complete(ctx context.Context, id string, result types.Payload, workerID string) error
	Fail(ctx context.Context, id, reason, workerID string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	AcknowledgeCancel(ctx context.Context, id, workerID string) error
	Handler(jobType string) (queue.HandlerFunc, bool)
}

// Config holds executor configuration
type Config struct {
	WorkerID           string                   `yaml:"worker_id"`
	Capabilities       types.WorkerCapabilities `yaml:"capabilities"`
	MaxConcurrentJobs  int                      `yaml:"max_concurrent_jobs"`
	PollInterval       time.Duration            `yaml:"poll_interval"`
	CancelPollInterval time.Duration            `yaml:"cancel_poll_interval"`
	ShutdownGrace      time.Duration            `yaml:"shutdown_grace"`

	// Reserved per running job when the job declares less
	JobCPUCores float64 `yaml:"job_cpu_cores"`
	JobMemoryGB float64 `yaml:"job_memory_gb"`

	ReportRetries uint64        `yaml:"report_retries"`
	ReportBackoff time.Duration `yaml:"report_backoff"`
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:  4,
		PollInterval:       time.Second,
		CancelPollInterval: 2 * time.Second,
		ShutdownGrace:      30 * time.Second,
		JobCPUCores:        1,
		JobMemoryGB:        1,
		ReportRetries:      5,
		ReportBackoff:      100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = def.CancelPollInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.JobCPUCores < 0 {
		c.JobCPUCores = 0
	}
	if c.JobMemoryGB < 0 {
		c.JobMemoryGB = 0
	}
	if c.ReportRetries == 0 {
		c.ReportRetries = def.ReportRetries
	}
	if c.ReportBackoff <= 0 {
		c.ReportBackoff = def.ReportBackoff
	}
}

type runningJob struct {
	job    *types.JobDefinition
	cancel context.CancelFunc
}

// Executor leases jobs from a JobSource and runs them on local handlers,
// at most MaxConcurrentJobs at a time
type Executor struct {
	source JobSource
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
	wg      sync.WaitGroup
	freed   chan struct{}
}

// New creates an executor for source
func New(source JobSource, cfg Config) (*Executor, error) {
	if source == nil {
		return nil, fmt.Errorf("job source is required")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	cfg.applyDefaults()

	return &Executor{
		source:  source,
		cfg:     cfg,
		logger:  log.WithWorkerID(cfg.WorkerID),
		running: make(map[string]*runningJob),
		freed:   make(chan struct{}, 1),
	}, nil
}

// Running returns the ids of the jobs currently executing
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Available returns the capabilities left after reserving for running jobs
func (e *Executor) Available() types.WorkerCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()

	caps := e.cfg.Capabilities
	for _, r := range e.running {
		caps.CPUCores -= maxFloat(r.job.RequiredCPUCores, e.cfg.JobCPUCores)
		caps.MemoryGB -= maxFloat(r.job.RequiredMemoryGB, e.cfg.JobMemoryGB)
		if r.job.RequiresGPU {
			caps.GPUCount--
		}
	}
	caps.CPUCores = maxFloat(caps.CPUCores, 0)
	caps.MemoryGB = maxFloat(caps.MemoryGB, 0)
	if caps.GPUCount < 0 {
		caps.GPUCount = 0
	}
	if caps.GPU && caps.GPUCount == 0 && e.cfg.Capabilities.GPUCount > 0 {
		caps.GPU = false
	}
	return caps
}

// Run polls for work until ctx is cancelled, then waits up to the shutdown
// grace period for running jobs before failing the rest
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info().
		Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs).
		Float64("cpu_cores", e.cfg.Capabilities.CPUCores).
		Float64("memory_gb", e.cfg.Capabilities.MemoryGB).
		Bool("gpu", e.cfg.Capabilities.GPU).
		Msg("executor started")

	for ctx.Err() == nil {
		if e.activeCount() >= e.cfg.MaxConcurrentJobs {
			e.wait(ctx, e.freed)
			continue
		}

		job, err := e.source.GetNextJob(ctx, e.cfg.WorkerID, e.Available())
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("failed to lease job")
			}
			e.wait(ctx, nil)
			continue
		}
		if job == nil {
			e.wait(ctx, nil)
			continue
		}
		e.start(job)
	}

	e.shutdown()
	return nil
}

// wait sleeps one poll interval, returning early on ctx or wake
func (e *Executor) wait(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (e *Executor) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) start(job *types.JobDefinition) {
	// Jobs outlive the poll loop until the shutdown grace expires
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(context.Background(), job.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(context.Background())
	}

	e.mu.Lock()
	e.running[job.ID] = &runningJob{job: job, cancel: cancel}
	metrics.ExecutorActiveJobs.Set(float64(len(e.running)))
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(jobCtx, job)
	}()
}

// release removes a job from the running set. Only the caller that removes
// it may report the outcome.
func (e *Executor) release(id string) bool {
	e.mu.Lock()
	_, ok := e.running[id]
	delete(e.running, id)
	metrics.ExecutorActiveJobs.Set(float64(len(e.running)))
	e.mu.Unlock()

	if ok {
		select {
		case e.freed <- struct{}{}:
		default:
		}
	}
	return ok
}

func (e *Executor) execute(ctx context.Context, job *types.JobDefinition) {
	logger := e.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()
	logger.Info().Msg("job started")
	start := time.Now()

	handler, ok := e.source.Handler(job.Type)
	if !ok {
		if e.release(job.ID) {
			e.report(job.ID, "failed", func(ctx context.Context) error {
				return e.source.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for job type %q", job.Type), e.cfg.WorkerID)
			})
		}
		return
	}

	cancelled := make(chan struct{})
	watchCtx, stopWatch := context.WithCancel(ctx)
	go e.watchCancel(watchCtx, job.ID, cancelled)

	result, err := invoke(ctx, handler, job)
	stopWatch()

	if !e.release(job.ID) {
		logger.Warn().Msg("job finished after being abandoned")
		return
	}

	select {
	case <-cancelled:
		logger.Info().Msg("job cancelled")
		e.report(job.ID, "cancelled", func(ctx context.Context) error {
			return e.source.AcknowledgeCancel(ctx, job.ID, e.cfg.WorkerID)
		})
		return
	default:
	}

	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		e.report(job.ID, "failed", func(ctx context.Context) error {
			return e.source.Fail(ctx, job.ID, err.Error(), e.cfg.WorkerID)
		})
		return
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("job completed")
	e.report(job.ID, "completed", func(ctx context.Context) error {
		return e.source.Complete(ctx, job.ID, result, e.cfg.WorkerID)
	})
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler queue.HandlerFunc, job *types.JobDefinition) (result types.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// watchCancel polls the cancellation flag and cancels the job context once
// it is set
func (e *Executor) watchCancel(ctx context.Context, id string, cancelled chan<- struct{}) {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := e.source.CancelRequested(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn().Err(err).Str("job_id", id).Msg("failed to check cancellation")
				}
				continue
			}
			if requested {
				close(cancelled)
				e.mu.Lock()
				if r, ok := e.running[id]; ok {
					r.cancel()
				}
				e.mu.Unlock()
				return
			}
		}
	}
}

// report delivers an outcome, retrying transient store errors
func (e *Executor) report(id, outcome string, fn func(context.Context) error) {
	metrics.ExecutorOutcomes.WithLabelValues(outcome).Inc()

	b := retry.WithMaxRetries(e.cfg.ReportRetries, retry.NewFibonacci(e.cfg.ReportBackoff))
	err := retry.Do(context.Background(), b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", id).Str("outcome", outcome).Msg("failed to report job outcome")
	}
}

// permanent reports whether retrying a report cannot succeed
func permanent(err error) bool {
	return errors.Is(err, queue.ErrNotLeased) ||
		errors.Is(err, queue.ErrNotFound) ||
		errors.Is(err, queue.ErrInvalidJob) ||
		errors.Is(err, types.ErrInvalidTransition)
}

func (e *Executor) shutdown() {
	e.logger.Info().Int("running", e.activeCount()).Dur("grace", e.cfg.ShutdownGrace).Msg("executor stopping")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("executor stopped")
		return
	case <-time.After(e.cfg.ShutdownGrace):
	}

	e.mu.Lock()
	abandoned := make([]*runningJob, 0, len(e.running))
	for id, r := range e.running {
		abandoned = append(abandoned, r)
		delete(e.running, id)
	}
	metrics.ExecutorActiveJobs.Set(0)
	e.mu.Unlock()

	for _, r := range abandoned {
		r.cancel()
		id := r.job.ID
		e.logger.Warn().Str("job_id", id).Msg("abandoning job after shutdown grace")
		e.report(id, "abandoned", func(ctx context.Context) error {
			return e.source.Fail(ctx, id, ShutdownReason, e.cfg.WorkerID)
		})
	}
	e.logger.Info().Int("abandoned", len(abandoned)).Msg("executor stopped")
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
