package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/distributor"
	"github.com/cuemby/hive/pkg/events"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds scheduler process configuration
type Config struct {
	Queue           queue.Config
	Distributor     distributor.Config
	MetricsInterval time.Duration
	Version         string
}

// Scheduler owns the queue manager and the distributor of one process and
// runs their background loops. It also performs the hand-offs between them:
// resource-bound jobs are allocated devices when they start running and
// release them when they stop, and the jobs of a device declared OFFLINE
// are failed back to the queue.
type Scheduler struct {
	Queue       *queue.Manager
	Distributor *distributor.Distributor
	Broker      *events.Broker

	store     coord.Store
	collector *metrics.Collector
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a scheduler on store. archive may be nil.
func New(store coord.Store, archive storage.Store, cfg Config) (*Scheduler, error) {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}

	q, err := queue.NewManager(store, archive, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue manager: %w", err)
	}
	d, err := distributor.New(archive, cfg.Distributor)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributor: %w", err)
	}

	s := &Scheduler{
		Queue:       q,
		Distributor: d,
		Broker:      events.NewBroker(),
		store:       store,
		collector:   metrics.NewCollector(q, d, cfg.MetricsInterval),
		cfg:         cfg,
		logger:      log.WithComponent("scheduler"),
	}
	d.OnDeviceLost(s.handleDeviceLost)
	return s, nil
}

// Start restores devices and launches every background loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	if _, err := s.Distributor.LoadDevices(); err != nil {
		return err
	}
	if err := s.probeStore(ctx); err != nil {
		return fmt.Errorf("coordination store unavailable: %w", err)
	}
	metrics.SetVersion(s.cfg.Version)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, g

	beats, err := s.store.Subscribe(gctx, s.Queue.Keys().Heartbeats())
	if err != nil {
		cancel()
		s.cancel = nil
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	commands, err := s.store.Subscribe(gctx, s.Queue.Keys().DeviceCommands())
	if err != nil {
		cancel()
		s.cancel = nil
		return fmt.Errorf("failed to subscribe to device commands: %w", err)
	}

	s.Broker.Start()
	sub := s.Broker.Subscribe()

	g.Go(func() error { return s.Queue.Run(gctx) })
	g.Go(func() error { return s.Distributor.Run(gctx) })
	g.Go(func() error { return events.Relay(gctx, s.store, s.Queue.Keys().Events(), s.Broker) })
	g.Go(func() error {
		s.handleEvents(gctx, sub)
		return nil
	})
	g.Go(func() error {
		s.consumeHeartbeats(beats)
		return nil
	})
	g.Go(func() error {
		s.consumeCommands(commands)
		return nil
	})
	g.Go(func() error {
		s.watchStore(gctx)
		return nil
	})
	s.collector.Start()

	if err := s.PublishReport(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish cluster report")
	}

	s.logger.Info().Str("version", s.cfg.Version).Msg("scheduler started")
	return nil
}

// Stop cancels the background loops and waits for them to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	err := g.Wait()
	s.collector.Stop()
	s.Broker.Stop()
	s.logger.Info().Msg("scheduler stopped")
	return err
}

// handleEvents allocates devices to resource-bound jobs that start running
// and releases them once the job leaves RUNNING
func (s *Scheduler) handleEvents(ctx context.Context, sub events.Subscriber) {
	defer s.Broker.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			if event.Type != events.EventJobStatus || event.Job == nil {
				continue
			}
			s.HandleStatus(ctx, *event.Job)
		}
	}
}

// HandleStatus applies one job status change to the distributor
func (s *Scheduler) HandleStatus(ctx context.Context, change types.StatusEvent) {
	if change.From == types.JobStatusRunning || change.To.IsTerminal() {
		if s.Distributor.Release(change.JobID) {
			s.Broker.Publish(&events.Event{
				Type:     events.EventAllocationDone,
				Message:  fmt.Sprintf("allocation of job %s released", change.JobID),
				Metadata: map[string]string{"job_id": change.JobID, "status": string(change.To)},
			})
		}
	}
	if change.To == types.JobStatusRunning {
		s.allocate(ctx, change.JobID, change.WorkerID)
	}
}

// allocate places a job that just started on the device of its worker, or
// on any device that fits
func (s *Scheduler) allocate(ctx context.Context, jobID, workerID string) {
	job, err := s.Queue.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to load started job")
		return
	}
	if !job.ResourceBound() {
		return
	}

	allocation, err := s.Distributor.SubmitJob(job, workerID)
	if err != nil {
		// The worker already runs the job; without a plan it is simply untracked
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("worker_id", workerID).Msg("job runs without allocation")
		return
	}
	s.Broker.Publish(&events.Event{
		Type:    events.EventAllocated,
		Message: fmt.Sprintf("job %s allocated to %d device(s)", jobID, len(allocation.AllocatedDevices)),
		Metadata: map[string]string{
			"job_id":   jobID,
			"strategy": string(allocation.Strategy),
			"devices":  strings.Join(allocation.AllocatedDevices, ","),
		},
	})
}

// handleDeviceLost fails the RUNNING jobs of an unreachable device back to
// the queue, which retries or fails them per their retry policy
func (s *Scheduler) handleDeviceLost(deviceID string, jobIDs []string) {
	ctx := s.context()
	reason := fmt.Sprintf("device %s unreachable", deviceID)

	for _, id := range jobIDs {
		s.Distributor.Release(id)
		err := s.Queue.ReleaseLease(ctx, id, reason)
		switch {
		case err == nil:
			s.logger.Warn().Str("job_id", id).Str("device_id", deviceID).Msg("job handed back after device loss")
		case errors.Is(err, queue.ErrNotLeased), errors.Is(err, queue.ErrNotFound), errors.Is(err, types.ErrInvalidTransition):
			// Not running, or already finished
		default:
			s.logger.Error().Err(err).Str("job_id", id).Str("device_id", deviceID).Msg("failed to hand back job")
		}
	}

	s.Broker.Publish(&events.Event{
		Type:     events.EventDeviceOffline,
		Message:  fmt.Sprintf("device %s missed heartbeats", deviceID),
		Metadata: map[string]string{"device_id": deviceID, "jobs": fmt.Sprint(len(jobIDs))},
	})
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) probeStore(ctx context.Context) error {
	_, err := s.store.Exists(ctx, s.Queue.Keys().Handlers())
	metrics.ReportError("store", err)
	return err
}

func (s *Scheduler) watchStore(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.probeStore(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("coordination store probe failed")
				continue
			}
			if err := s.PublishReport(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("failed to publish cluster report")
			}
		}
	}
}

// PublishReport writes the current ClusterReport to the coordination store.
// The report expires after three metrics intervals so readers notice a
// scheduler that went away.
func (s *Scheduler) PublishReport(ctx context.Context) error {
	stats, err := s.Queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	report := types.ClusterReport{
		Cluster:    s.Distributor.GetClusterStatus(),
		Queue:      stats,
		Devices:    s.Distributor.ListDevices(),
		ReportedAt: time.Now(),
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode cluster report: %w", err)
	}
	return s.store.Set(ctx, s.Queue.Keys().ClusterReport(), string(data), 3*s.cfg.MetricsInterval)
}
