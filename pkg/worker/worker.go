package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/executor"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Worker represents a hive worker node: an executor leasing jobs from the
// queue plus a heartbeat loop reporting the device it runs on
type Worker struct {
	cfg      Config
	store    coord.Store
	keys     coord.Keys
	queue    *queue.Manager
	executor *executor.Executor
	sampler  Sampler
	logger   zerolog.Logger
}

// Config holds worker configuration
type Config struct {
	Device            types.DeviceInfo `yaml:"device"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	Executor          executor.Config  `yaml:"executor"`
}

// NewWorker creates a worker for the device in cfg. A nil sampler reports
// zero utilization.
func NewWorker(store coord.Store, q *queue.Manager, sampler Sampler, cfg Config) (*Worker, error) {
	if cfg.Device.ID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Executor.WorkerID == "" {
		cfg.Executor.WorkerID = cfg.Device.ID
	}
	if cfg.Executor.Capabilities == (types.WorkerCapabilities{}) {
		cfg.Executor.Capabilities = deviceCapabilities(cfg.Device)
	}
	if sampler == nil {
		sampler = idleSampler{}
	}

	exec, err := executor.New(q, cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	return &Worker{
		cfg:      cfg,
		store:    store,
		keys:     q.Keys(),
		queue:    q,
		executor: exec,
		sampler:  sampler,
		logger:   log.WithWorkerID(cfg.Executor.WorkerID),
	}, nil
}

func deviceCapabilities(info types.DeviceInfo) types.WorkerCapabilities {
	return types.WorkerCapabilities{
		GPU:      info.GPUCount > 0,
		GPUCount: info.GPUCount,
		MemoryGB: info.MemoryGB,
		CPUCores: float64(info.CPUCores),
	}
}

// Register makes jobType executable on this worker and advertises it
func (w *Worker) Register(ctx context.Context, jobType string, fn queue.HandlerFunc) error {
	return w.queue.RegisterHandler(ctx, jobType, fn)
}

// Executor returns the worker's job executor
func (w *Worker) Executor() *executor.Executor {
	return w.executor
}

// Run sends heartbeats and executes jobs until ctx is cancelled. It returns
// once running jobs have finished or been handed back.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("device_id", w.cfg.Device.ID).
		Dur("heartbeat_interval", w.cfg.HeartbeatInterval).
		Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.executor.Run(gctx) })
	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	err := g.Wait()

	w.logger.Info().Msg("worker stopped")
	return err
}

// heartbeatLoop sends periodic heartbeats to the scheduler
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("heartbeat failed")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// SendHeartbeat publishes one device sample
func (w *Worker) SendHeartbeat(ctx context.Context) error {
	m, err := w.sampler.Sample()
	if err != nil {
		w.logger.Debug().Err(err).Msg("failed to sample device metrics")
	}

	data, err := json.Marshal(types.DeviceHeartbeat{
		Device:  w.cfg.Device,
		Metrics: m,
		SentAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	return w.store.Publish(ctx, w.keys.Heartbeats(), string(data))
}
