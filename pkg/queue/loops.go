package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Run drives the deferred-job promoter, the timeout checker and result
// cleanup until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("scheduler_interval", m.cfg.SchedulerInterval).
		Dur("timeout_check_interval", m.cfg.TimeoutCheckInterval).
		Dur("cleanup_interval", m.cfg.CleanupInterval).
		Msg("queue loops started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.runEvery(ctx, "scheduled", m.cfg.SchedulerInterval, func(ctx context.Context) error {
			_, err := m.ProcessScheduled(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.runEvery(ctx, "timeouts", m.cfg.TimeoutCheckInterval, func(ctx context.Context) error {
			_, err := m.CheckTimeouts(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.runEvery(ctx, "cleanup", m.cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := m.Cleanup(ctx)
			return err
		})
	})

	err := g.Wait()
	m.logger.Info().Msg("queue loops stopped")
	return err
}

// runEvery calls fn on every tick. Errors are logged and the loop continues.
func (m *Manager) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Str("loop", name).Msg("queue loop iteration failed")
			}
		}
	}
}

// ProcessScheduled moves every deferred job whose time has come into its
// priority queue. It returns the number of jobs promoted.
func (m *Manager) ProcessScheduled(ctx context.Context) (int, error) {
	promoted := 0
	for {
		ids, err := m.store.ZRangeByScore(ctx, m.keys.Scheduled(), score(m.now()), m.cfg.BatchSize)
		if err != nil {
			return promoted, fmt.Errorf("failed to read scheduled jobs: %w", err)
		}

		for _, id := range ids {
			removed, err := m.store.ZRem(ctx, m.keys.Scheduled(), id)
			if err != nil {
				return promoted, fmt.Errorf("failed to claim scheduled job %s: %w", id, err)
			}
			if removed == 0 {
				continue
			}

			job, err := m.loadDefinition(ctx, id)
			if err != nil {
				m.logger.Warn().Err(err).Str("job_id", id).Msg("scheduled job missing")
				continue
			}
			if err := m.enqueue(ctx, job, types.JobStatusScheduled); err != nil {
				if errors.Is(err, types.ErrInvalidTransition) {
					continue
				}
				return promoted, err
			}
			promoted++
			m.logger.Debug().Str("job_id", id).Msg("scheduled job queued")
		}

		if int64(len(ids)) < m.cfg.BatchSize {
			return promoted, nil
		}
	}
}

// CheckTimeouts moves RUNNING jobs past their deadline to TIMEOUT and then
// retries or fails them. It returns the number of jobs timed out.
func (m *Manager) CheckTimeouts(ctx context.Context) (int, error) {
	expired := 0
	for {
		ids, err := m.store.ZRangeByScore(ctx, m.keys.Timeouts(), score(m.now()), m.cfg.BatchSize)
		if err != nil {
			return expired, fmt.Errorf("failed to read running jobs: %w", err)
		}

		for _, id := range ids {
			// The store's expiry of the lease key is authoritative; a live
			// key means this manager's clock ran ahead
			alive, err := m.store.Exists(ctx, m.keys.Lease(id))
			if err != nil {
				return expired, fmt.Errorf("failed to check lease of %s: %w", id, err)
			}
			if alive {
				m.rearm(ctx, id)
				continue
			}

			removed, err := m.store.ZRem(ctx, m.keys.Timeouts(), id)
			if err != nil {
				return expired, fmt.Errorf("failed to claim expired job %s: %w", id, err)
			}
			if removed == 0 {
				continue
			}

			ok, err := m.expire(ctx, id)
			if err != nil {
				m.logger.Error().Err(err).Str("job_id", id).Msg("failed to time out job")
				m.rearm(ctx, id)
				continue
			}
			if ok {
				expired++
			}
		}

		if int64(len(ids)) < m.cfg.BatchSize {
			return expired, nil
		}
	}
}

func (m *Manager) expire(ctx context.Context, id string) (bool, error) {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return false, err
	}
	assignment, err := m.loadAssignment(ctx, id)
	if errors.Is(err, ErrNotLeased) {
		// Finished while we were looking
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := m.transition(ctx, job, types.JobStatusRunning, types.JobStatusTimeout, assignment.WorkerID, "timeout"); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			return m.resumeExpired(ctx, job, assignment)
		}
		return false, err
	}

	metrics.JobsTimedOut.Inc()
	m.logger.Warn().
		Str("job_id", id).
		Str("worker_id", assignment.WorkerID).
		Dur("timeout", job.Timeout).
		Msg("job timed out")

	return true, m.failAttempt(ctx, job, types.JobStatusTimeout, "timeout", assignment)
}

// rearm puts a timeout entry back so the next pass retries it
func (m *Manager) rearm(ctx context.Context, id string) {
	at := m.now().Add(m.cfg.TimeoutCheckInterval)
	if err := m.store.ZAdd(ctx, m.keys.Timeouts(), id, score(at)); err != nil {
		m.logger.Error().Err(err).Str("job_id", id).Msg("failed to rearm timeout")
	}
}

// resumeExpired handles a timeout entry whose job is no longer RUNNING. A
// job left in TIMEOUT by an interrupted pass is retried or failed.
func (m *Manager) resumeExpired(ctx context.Context, job *types.JobDefinition, assignment *types.Assignment) (bool, error) {
	status, err := m.GetStatus(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if status != types.JobStatusTimeout {
		return false, nil
	}
	return true, m.failAttempt(ctx, job, types.JobStatusTimeout, "timeout", assignment)
}

// Cleanup removes terminal jobs older than the retention period from the
// coordination store, archiving their results first when an archive is
// configured. It returns the number of jobs pruned.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.Retention)
	pruned := 0

	for {
		ids, err := m.store.ZRangeByScore(ctx, m.keys.Finished(), score(cutoff), m.cfg.BatchSize)
		if err != nil {
			return pruned, fmt.Errorf("failed to read finished jobs: %w", err)
		}

		for _, id := range ids {
			if err := m.prune(ctx, id); err != nil {
				return pruned, err
			}
			pruned++
		}

		if int64(len(ids)) < m.cfg.BatchSize {
			break
		}
	}

	if pruned > 0 {
		m.logger.Info().Int("count", pruned).Msg("pruned finished jobs")
	}
	return pruned, nil
}

func (m *Manager) prune(ctx context.Context, id string) error {
	if m.archive != nil {
		var result types.JobResult
		err := m.getJSON(ctx, m.keys.Result(id), &result)
		if err == nil {
			if err := m.archive.SaveResult(&result); err != nil {
				return fmt.Errorf("failed to archive result of %s: %w", id, err)
			}
		} else {
			m.logger.Warn().Err(err).Str("job_id", id).Msg("finished job has no result to archive")
		}
	}

	if err := m.store.Del(ctx,
		m.keys.Definition(id),
		m.keys.Status(id),
		m.keys.Result(id),
		m.keys.Assignment(id),
		m.keys.Attempts(id),
		m.keys.Cancel(id),
		m.keys.Dependents(id),
	); err != nil {
		return fmt.Errorf("failed to prune %s: %w", id, err)
	}
	if _, err := m.store.ZRem(ctx, m.keys.Finished(), id); err != nil {
		return fmt.Errorf("failed to prune %s: %w", id, err)
	}

	m.definitions.Remove(id)
	m.results.Remove(id)
	return nil
}
