package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/types"
	"github.com/google/uuid"
)

// Submit validates and stores a job. The job is queued, deferred until its
// scheduled time, or held as PENDING until its dependencies complete.
func (m *Manager) Submit(ctx context.Context, def *types.JobDefinition) (string, error) {
	if def == nil {
		return "", fmt.Errorf("%w: nil definition", ErrInvalidJob)
	}
	job := *def
	job.DependsOn = append([]string(nil), def.DependsOn...)

	if err := m.validate(ctx, &job); err != nil {
		return "", err
	}

	data, err := json.Marshal(&job)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	created, err := m.store.SetNX(ctx, m.keys.Definition(job.ID), string(data), 0)
	if err != nil {
		return "", fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	if !created {
		return "", fmt.Errorf("%w: job id %s already exists", ErrInvalidJob, job.ID)
	}
	m.definitions.Add(job.ID, &job)

	unmet, err := m.unmetDependencies(ctx, &job)
	if err != nil {
		return "", err
	}

	logger := m.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()

	if len(unmet) > 0 {
		if err := m.transition(ctx, &job, types.JobStatusNew, types.JobStatusPending, "", ""); err != nil {
			return "", err
		}
		for _, dep := range unmet {
			if err := m.store.SAdd(ctx, m.keys.Dependents(dep), job.ID); err != nil {
				return "", fmt.Errorf("failed to register %s as dependent of %s: %w", job.ID, dep, err)
			}
		}
		metrics.JobsSubmitted.WithLabelValues(string(types.JobStatusPending)).Inc()
		logger.Info().Strs("waiting_on", unmet).Msg("job pending on dependencies")

		// A dependency may have completed while we registered
		if _, err := m.releaseIfReady(ctx, &job); err != nil {
			return "", err
		}
		return job.ID, nil
	}

	status, err := m.place(ctx, &job, types.JobStatusNew)
	if err != nil {
		return "", err
	}
	metrics.JobsSubmitted.WithLabelValues(string(status)).Inc()
	logger.Info().Str("status", string(status)).Str("priority", job.Priority.String()).Msg("job submitted")
	return job.ID, nil
}

func (m *Manager) validate(ctx context.Context, job *types.JobDefinition) error {
	if job.Type == "" {
		return fmt.Errorf("%w: job_type is required", ErrInvalidJob)
	}
	known, err := m.handlerKnown(ctx, job.Type)
	if err != nil {
		return fmt.Errorf("failed to look up handler for %s: %w", job.Type, err)
	}
	if !known {
		return fmt.Errorf("%w: no handler registered for job type %q", ErrInvalidJob, job.Type)
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidJob, int(job.Priority))
	}

	now := m.now()
	if job.Deadline != nil && !job.Deadline.After(now) {
		return fmt.Errorf("%w: deadline %s already passed", ErrInvalidJob, job.Deadline.Format(time.RFC3339))
	}
	if job.MaxRetries < 0 || job.RetryDelay < 0 || job.Timeout < 0 {
		return fmt.Errorf("%w: max_retries, retry_delay and timeout must not be negative", ErrInvalidJob)
	}
	if job.RequiredCPUCores < 0 || job.RequiredMemoryGB < 0 {
		return fmt.Errorf("%w: resource requirements must not be negative", ErrInvalidJob)
	}
	if err := job.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	for _, dep := range job.DependsOn {
		if dep == job.ID {
			return fmt.Errorf("%w: job %s depends on itself", ErrInvalidJob, job.ID)
		}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = m.cfg.DefaultMaxRetries
	}
	if job.Timeout == 0 {
		job.Timeout = m.cfg.DefaultTimeout
	}
	job.CreatedAt = now
	return nil
}

// unmetDependencies lists the dependencies of job that are not COMPLETED.
// Unknown ids count as unmet.
func (m *Manager) unmetDependencies(ctx context.Context, job *types.JobDefinition) ([]string, error) {
	var unmet []string
	for _, dep := range job.DependsOn {
		status, err := m.GetStatus(ctx, dep)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if status != types.JobStatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// releaseIfReady moves a PENDING job onward once none of its dependencies
// remain unmet. It reports whether this call released the job.
func (m *Manager) releaseIfReady(ctx context.Context, job *types.JobDefinition) (bool, error) {
	unmet, err := m.unmetDependencies(ctx, job)
	if err != nil || len(unmet) > 0 {
		return false, err
	}
	if _, err := m.place(ctx, job, types.JobStatusPending); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			// Released by someone else, or cancelled
			return false, nil
		}
		return false, err
	}
	m.logger.Info().Str("job_id", job.ID).Msg("dependencies met, job released")
	return true, nil
}

// triggerDependents releases the jobs waiting on id
func (m *Manager) triggerDependents(ctx context.Context, id string) {
	key := m.keys.Dependents(id)
	dependents, err := m.store.SMembers(ctx, key)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", id).Msg("failed to read dependents")
		return
	}

	for _, depID := range dependents {
		job, err := m.loadDefinition(ctx, depID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", depID).Msg("dependent job missing")
			continue
		}
		if _, err := m.releaseIfReady(ctx, job); err != nil {
			m.logger.Error().Err(err).Str("job_id", depID).Msg("failed to release dependent job")
		}
	}
	if err := m.store.Del(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to clear dependents")
	}
}

// place queues job now or defers it to its scheduled time
func (m *Manager) place(ctx context.Context, job *types.JobDefinition, from types.JobStatus) (types.JobStatus, error) {
	if job.ScheduledAt != nil && job.ScheduledAt.After(m.now()) {
		return types.JobStatusScheduled, m.schedule(ctx, job, from, *job.ScheduledAt)
	}
	return types.JobStatusQueued, m.enqueue(ctx, job, from)
}

// enqueue appends job to the queue of its priority
func (m *Manager) enqueue(ctx context.Context, job *types.JobDefinition, from types.JobStatus) error {
	if err := m.transition(ctx, job, from, types.JobStatusQueued, "", ""); err != nil {
		return err
	}
	if err := m.store.ListPush(ctx, m.keys.Queue(job.Priority), job.ID); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.ID, err)
	}
	return nil
}

// schedule defers job until at
func (m *Manager) schedule(ctx context.Context, job *types.JobDefinition, from types.JobStatus, at time.Time) error {
	if err := m.transition(ctx, job, from, types.JobStatusScheduled, "", ""); err != nil {
		return err
	}
	if err := m.store.ZAdd(ctx, m.keys.Scheduled(), job.ID, score(at)); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.ID, err)
	}
	return nil
}

// Cancel stops a job. Waiting jobs are cancelled immediately; a RUNNING job
// gets a cancellation flag its executor is expected to honor. It returns
// false for jobs that already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := m.loadDefinition(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Pruned jobs are terminal; the archive still knows them
		if status, serr := m.GetStatus(ctx, id); serr == nil && status.IsTerminal() {
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	// Retry if the job moves underneath us
	for attempt := 0; attempt < 3; attempt++ {
		status, err := m.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}

		switch status {
		case types.JobStatusPending, types.JobStatusQueued, types.JobStatusScheduled:
			err := m.cancelWaiting(ctx, job, status)
			if errors.Is(err, types.ErrInvalidTransition) {
				continue
			}
			return err == nil, err

		case types.JobStatusRunning, types.JobStatusRetrying, types.JobStatusTimeout:
			if err := m.store.Set(ctx, m.keys.Cancel(id), "1", m.cfg.Retention); err != nil {
				return false, fmt.Errorf("failed to flag %s for cancellation: %w", id, err)
			}
			m.logger.Info().Str("job_id", id).Str("status", string(status)).Msg("cancellation requested")
			return true, nil

		default:
			return false, nil
		}
	}
	return false, fmt.Errorf("job %s changed state during cancellation", id)
}

// cancelWaiting cancels a job that is not running and removes it from every
// queue and schedule
func (m *Manager) cancelWaiting(ctx context.Context, job *types.JobDefinition, from types.JobStatus) error {
	if err := m.transition(ctx, job, from, types.JobStatusCancelled, "", "cancelled"); err != nil {
		return err
	}
	if _, err := m.store.ListRemove(ctx, m.keys.Queue(job.Priority), job.ID); err != nil {
		return fmt.Errorf("failed to dequeue %s: %w", job.ID, err)
	}
	if _, err := m.store.ZRem(ctx, m.keys.Scheduled(), job.ID); err != nil {
		return fmt.Errorf("failed to unschedule %s: %w", job.ID, err)
	}

	now := m.now()
	result := &types.JobResult{
		JobID:       job.ID,
		Status:      types.JobStatusCancelled,
		Error:       "cancelled",
		CompletedAt: now,
		Attempts:    m.failures(ctx, job.ID),
	}
	if err := m.saveResult(ctx, result); err != nil {
		return err
	}
	metrics.JobsCancelled.Inc()
	m.logger.Info().Str("job_id", job.ID).Str("from", string(from)).Msg("job cancelled")
	return nil
}
