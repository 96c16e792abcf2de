package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/types"
)

// GetNextJob leases the first queued job the worker can run. Queues are
// scanned in strict priority order and each queue front to back; jobs the
// worker cannot run keep their position. It returns nil when nothing fits.
func (m *Manager) GetNextJob(ctx context.Context, workerID string, caps types.WorkerCapabilities) (*types.JobDefinition, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LeaseLatency)

	for _, p := range types.Priorities {
		job, err := m.leaseFrom(ctx, p, workerID, caps)
		if err != nil {
			return nil, err
		}
		if job != nil {
			metrics.JobsLeased.WithLabelValues(p.String()).Inc()
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Manager) leaseFrom(ctx context.Context, p types.Priority, workerID string, caps types.WorkerCapabilities) (*types.JobDefinition, error) {
	queueKey := m.keys.Queue(p)
	page := m.cfg.BatchSize

	for start := int64(0); ; start += page {
		ids, err := m.store.ListRange(ctx, queueKey, start, start+page-1)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue %s: %w", p, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		skipped := int64(0)
		for _, id := range ids {
			job, err := m.loadDefinition(ctx, id)
			if errors.Is(err, ErrNotFound) {
				// Pruned while queued; drop the stale entry
				_, _ = m.store.ListRemove(ctx, queueKey, id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !job.FitsWorker(caps) {
				skipped++
				continue
			}

			// Removing the entry is the claim: exactly one caller gets 1
			claimed, err := m.store.ListRemove(ctx, queueKey, id)
			if err != nil {
				return nil, fmt.Errorf("failed to claim %s: %w", id, err)
			}
			if claimed == 0 {
				continue
			}

			leased, err := m.lease(ctx, job, workerID)
			if err != nil {
				return nil, err
			}
			if leased {
				return job, nil
			}
		}

		// Claimed or stale entries shifted the list; resume after what was skipped
		start = start - page + skipped
		if int64(len(ids)) < page {
			return nil, nil
		}
	}
}

// lease moves a claimed job to RUNNING and arms its timeout
func (m *Manager) lease(ctx context.Context, job *types.JobDefinition, workerID string) (bool, error) {
	now := m.now()

	if job.Deadline != nil && !job.Deadline.After(now) {
		if err := m.transition(ctx, job, types.JobStatusQueued, types.JobStatusFailed, workerID, "deadline exceeded"); err != nil {
			if errors.Is(err, types.ErrInvalidTransition) {
				return false, nil
			}
			return false, err
		}
		result := &types.JobResult{
			JobID:       job.ID,
			Status:      types.JobStatusFailed,
			Error:       "deadline exceeded",
			CompletedAt: now,
			Attempts:    m.failures(ctx, job.ID),
		}
		metrics.JobsFailed.Inc()
		logger := log.WithJobID(job.ID)
		logger.Warn().Str("worker_id", workerID).Msg("deadline exceeded before lease")
		return false, m.saveResult(ctx, result)
	}

	// The timeout is armed before the job turns RUNNING, so a RUNNING job
	// always has one
	assignment := &types.Assignment{
		JobID:     job.ID,
		WorkerID:  workerID,
		StartedAt: now,
		Deadline:  now.Add(job.Timeout),
	}
	if err := m.setJSON(ctx, m.keys.Assignment(job.ID), assignment); err != nil {
		m.requeue(ctx, job)
		return false, fmt.Errorf("failed to record assignment of %s: %w", job.ID, err)
	}
	if err := m.arm(ctx, job, workerID, assignment.Deadline); err != nil {
		_ = m.store.Del(ctx, m.keys.Assignment(job.ID), m.keys.Lease(job.ID))
		m.requeue(ctx, job)
		return false, fmt.Errorf("failed to arm timeout of %s: %w", job.ID, err)
	}

	if err := m.transition(ctx, job, types.JobStatusQueued, types.JobStatusRunning, workerID, ""); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			// Cancelled between the scan and the claim
			return false, m.clearLease(ctx, job.ID)
		}
		// The status write may or may not have landed. The armed timeout
		// covers the first case; a job still QUEUED goes back on its queue.
		if status, serr := m.store.Get(ctx, m.keys.Status(job.ID)); serr == nil && types.JobStatus(status) == types.JobStatusQueued {
			m.requeue(ctx, job)
		}
		return false, err
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("worker_id", workerID).
		Str("priority", job.Priority.String()).
		Msg("job leased")
	return true, nil
}

// arm sets the expiring lease key and indexes the job for the timeout sweep
func (m *Manager) arm(ctx context.Context, job *types.JobDefinition, workerID string, deadline time.Time) error {
	if err := m.store.Set(ctx, m.keys.Lease(job.ID), workerID, job.Timeout); err != nil {
		return err
	}
	return m.store.ZAdd(ctx, m.keys.Timeouts(), job.ID, score(deadline))
}

// requeue returns a claimed job that could not be leased to the back of its
// queue
func (m *Manager) requeue(ctx context.Context, job *types.JobDefinition) {
	if err := m.store.ListPush(ctx, m.keys.Queue(job.Priority), job.ID); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue claimed job")
	}
}

// Complete records a successful outcome reported by the lease holder and
// releases dependents whose last unmet dependency was this job
func (m *Manager) Complete(ctx context.Context, id string, result types.Payload, workerID string) error {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return err
	}
	assignment, err := m.checkLease(ctx, id, workerID)
	if err != nil {
		return err
	}
	if err := result.Validate(); err != nil {
		return err
	}

	if err := m.transition(ctx, job, types.JobStatusRunning, types.JobStatusCompleted, workerID, ""); err != nil {
		return err
	}

	now := m.now()
	res := &types.JobResult{
		JobID:         id,
		Status:        types.JobStatusCompleted,
		Result:        result,
		StartedAt:     assignment.StartedAt,
		CompletedAt:   now,
		ExecutionTime: now.Sub(assignment.StartedAt),
		Attempts:      m.failures(ctx, id) + 1,
		WorkerID:      workerID,
	}
	if err := m.saveResult(ctx, res); err != nil {
		return err
	}
	if err := m.clearLease(ctx, id); err != nil {
		return err
	}
	if err := m.store.Del(ctx, m.keys.Attempts(id), m.keys.Cancel(id)); err != nil {
		return fmt.Errorf("failed to clear side keys of %s: %w", id, err)
	}

	metrics.JobsCompleted.Inc()
	metrics.ExecutionTime.WithLabelValues(job.Type).Observe(res.ExecutionTime.Seconds())
	m.logger.Info().
		Str("job_id", id).
		Str("worker_id", workerID).
		Dur("execution_time", res.ExecutionTime).
		Msg("job completed")

	m.triggerDependents(ctx, id)
	return nil
}

// Fail records a failed attempt reported by the lease holder. The job is
// retried with linear backoff until its attempts are exhausted.
func (m *Manager) Fail(ctx context.Context, id, reason, workerID string) error {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return err
	}
	assignment, err := m.checkLease(ctx, id, workerID)
	if err != nil {
		return err
	}
	return m.failAttempt(ctx, job, types.JobStatusRunning, reason, assignment)
}

// ReleaseLease fails a RUNNING job on behalf of its lost worker or device,
// whoever holds the lease
func (m *Manager) ReleaseLease(ctx context.Context, id, reason string) error {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return err
	}
	assignment, err := m.loadAssignment(ctx, id)
	if err != nil {
		return err
	}
	return m.failAttempt(ctx, job, types.JobStatusRunning, reason, assignment)
}

// failAttempt counts one failed attempt of a job that is RUNNING or TIMEOUT.
// The status change is the claim; the attempt counter moves only for the winner.
func (m *Manager) failAttempt(ctx context.Context, job *types.JobDefinition, from types.JobStatus, reason string, assignment *types.Assignment) error {
	attempts := m.failures(ctx, job.ID) + 1

	logger := m.logger.With().
		Str("job_id", job.ID).
		Str("worker_id", assignment.WorkerID).
		Int("attempt", attempts).
		Str("error", reason).
		Logger()

	if from == types.JobStatusRunning && m.cancelRequested(ctx, job.ID) {
		logger.Info().Msg("job failed after cancellation request")
		return m.finishCancelled(ctx, job, assignment, attempts)
	}

	exhausted := attempts >= job.MaxRetries
	to := types.JobStatusRetrying
	if exhausted {
		to = types.JobStatusFailed
	}
	if err := m.transition(ctx, job, from, to, assignment.WorkerID, reason); err != nil {
		return err
	}
	if _, err := m.store.Incr(ctx, m.keys.Attempts(job.ID)); err != nil {
		return fmt.Errorf("failed to count attempt of %s: %w", job.ID, err)
	}
	if err := m.clearLease(ctx, job.ID); err != nil {
		return err
	}

	if exhausted {
		now := m.now()
		result := &types.JobResult{
			JobID:         job.ID,
			Status:        types.JobStatusFailed,
			Error:         reason,
			StartedAt:     assignment.StartedAt,
			CompletedAt:   now,
			ExecutionTime: now.Sub(assignment.StartedAt),
			Attempts:      attempts,
			WorkerID:      assignment.WorkerID,
		}
		if err := m.saveResult(ctx, result); err != nil {
			return err
		}
		if err := m.store.Del(ctx, m.keys.Attempts(job.ID), m.keys.Cancel(job.ID)); err != nil {
			return fmt.Errorf("failed to clear side keys of %s: %w", job.ID, err)
		}
		metrics.JobsFailed.Inc()
		logger.Warn().Msg("job failed, retries exhausted")
		return nil
	}

	metrics.JobsRetried.Inc()
	delay := job.RetryDelay * time.Duration(attempts)
	if delay <= 0 {
		if err := m.enqueue(ctx, job, types.JobStatusRetrying); err != nil {
			return err
		}
	} else if err := m.schedule(ctx, job, types.JobStatusRetrying, m.now().Add(delay)); err != nil {
		return err
	}
	logger.Info().Dur("retry_in", delay).Msg("job failed, retry scheduled")

	// Cancellation requested while the job was between states
	if m.cancelRequested(ctx, job.ID) {
		status, err := m.GetStatus(ctx, job.ID)
		if err == nil && (status == types.JobStatusQueued || status == types.JobStatusScheduled) {
			return m.cancelWaiting(ctx, job, status)
		}
	}
	return nil
}

// CancelRequested reports whether a cancellation flag is set for id
func (m *Manager) CancelRequested(ctx context.Context, id string) (bool, error) {
	return m.store.Exists(ctx, m.keys.Cancel(id))
}

// AcknowledgeCancel is called by the lease holder once it stopped a job
// whose cancellation was requested
func (m *Manager) AcknowledgeCancel(ctx context.Context, id, workerID string) error {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return err
	}
	assignment, err := m.checkLease(ctx, id, workerID)
	if err != nil {
		return err
	}
	if !m.cancelRequested(ctx, id) {
		return fmt.Errorf("no cancellation requested for %s", id)
	}
	return m.finishCancelled(ctx, job, assignment, m.failures(ctx, id)+1)
}

func (m *Manager) finishCancelled(ctx context.Context, job *types.JobDefinition, assignment *types.Assignment, attempts int) error {
	if err := m.transition(ctx, job, types.JobStatusRunning, types.JobStatusCancelled, assignment.WorkerID, "cancelled"); err != nil {
		return err
	}
	if err := m.clearLease(ctx, job.ID); err != nil {
		return err
	}
	now := m.now()
	result := &types.JobResult{
		JobID:         job.ID,
		Status:        types.JobStatusCancelled,
		Error:         "cancelled",
		StartedAt:     assignment.StartedAt,
		CompletedAt:   now,
		ExecutionTime: now.Sub(assignment.StartedAt),
		Attempts:      attempts,
		WorkerID:      assignment.WorkerID,
	}
	if err := m.saveResult(ctx, result); err != nil {
		return err
	}
	if err := m.store.Del(ctx, m.keys.Attempts(job.ID), m.keys.Cancel(job.ID)); err != nil {
		return fmt.Errorf("failed to clear side keys of %s: %w", job.ID, err)
	}
	metrics.JobsCancelled.Inc()
	m.logger.Info().Str("job_id", job.ID).Str("worker_id", assignment.WorkerID).Msg("running job cancelled")
	return nil
}
