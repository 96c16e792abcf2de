package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
)

// transition moves job from -> to. The edge is validated by the lifecycle
// table and applied with compare-and-swap, so only one caller wins a race.
func (m *Manager) transition(ctx context.Context, job *types.JobDefinition, from, to types.JobStatus, workerID, reason string) error {
	if err := types.Transition(from, to); err != nil {
		return err
	}

	key := m.keys.Status(job.ID)
	if from == types.JobStatusNew {
		if err := m.store.Set(ctx, key, string(to), 0); err != nil {
			return fmt.Errorf("failed to store status of %s: %w", job.ID, err)
		}
	} else {
		ok, err := m.store.CompareAndSwap(ctx, key, string(from), string(to))
		if err != nil {
			return fmt.Errorf("failed to update status of %s: %w", job.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: job %s is no longer %s", types.ErrInvalidTransition, job.ID, from)
		}
	}

	if to.IsTerminal() {
		m.definitions.Remove(job.ID)
	}

	m.logger.Debug().
		Str("job_id", job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("job status changed")

	m.publish(ctx, types.StatusEvent{
		JobID:     job.ID,
		JobType:   job.Type,
		From:      from,
		To:        to,
		WorkerID:  workerID,
		Error:     reason,
		Timestamp: m.now(),
	})
	return nil
}

// publish notifies external listeners. Delivery is best-effort.
func (m *Manager) publish(ctx context.Context, event types.StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", event.JobID).Msg("failed to encode status event")
		return
	}
	if err := m.store.Publish(ctx, m.keys.Events(), string(data)); err != nil {
		m.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("failed to publish status event")
	}
}

func (m *Manager) getJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (m *Manager) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, string(data), 0)
}

// loadDefinition returns the stored definition of id
func (m *Manager) loadDefinition(ctx context.Context, id string) (*types.JobDefinition, error) {
	if job, ok := m.definitions.Get(id); ok {
		return job, nil
	}

	var job types.JobDefinition
	if err := m.getJSON(ctx, m.keys.Definition(id), &job); err != nil {
		if errors.Is(err, coord.ErrNil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	m.definitions.Add(id, &job)
	return &job, nil
}

// GetJob returns the definition of a stored job
func (m *Manager) GetJob(ctx context.Context, id string) (*types.JobDefinition, error) {
	job, err := m.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *job
	return &cp, nil
}

// GetStatus returns the current status of a job
func (m *Manager) GetStatus(ctx context.Context, id string) (types.JobStatus, error) {
	raw, err := m.store.Get(ctx, m.keys.Status(id))
	if err == nil {
		return types.JobStatus(raw), nil
	}
	if !errors.Is(err, coord.ErrNil) {
		return "", fmt.Errorf("failed to read status of %s: %w", id, err)
	}

	// Pruned from the coordination store, try the archive
	if result, err := m.archivedResult(id); err == nil {
		return result.Status, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetResult returns the terminal result of a job
func (m *Manager) GetResult(ctx context.Context, id string) (*types.JobResult, error) {
	if result, ok := m.results.Get(id); ok {
		cp := *result
		return &cp, nil
	}

	var result types.JobResult
	err := m.getJSON(ctx, m.keys.Result(id), &result)
	if err == nil {
		m.results.Add(id, &result)
		cp := result
		return &cp, nil
	}
	if !errors.Is(err, coord.ErrNil) {
		return nil, fmt.Errorf("failed to load result of %s: %w", id, err)
	}

	archived, err := m.archivedResult(id)
	if err != nil {
		return nil, fmt.Errorf("%w: no result for %s", ErrNotFound, id)
	}
	return archived, nil
}

func (m *Manager) archivedResult(id string) (*types.JobResult, error) {
	if m.archive == nil {
		return nil, storage.ErrNotFound
	}
	return m.archive.GetResult(id)
}

// saveResult persists a terminal outcome and marks the job finished
func (m *Manager) saveResult(ctx context.Context, result *types.JobResult) error {
	if err := m.setJSON(ctx, m.keys.Result(result.JobID), result); err != nil {
		return fmt.Errorf("failed to store result of %s: %w", result.JobID, err)
	}
	if err := m.store.ZAdd(ctx, m.keys.Finished(), result.JobID, score(result.CompletedAt)); err != nil {
		return fmt.Errorf("failed to mark %s finished: %w", result.JobID, err)
	}
	m.results.Add(result.JobID, result)
	return nil
}

func (m *Manager) loadAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	var a types.Assignment
	if err := m.getJSON(ctx, m.keys.Assignment(id), &a); err != nil {
		if errors.Is(err, coord.ErrNil) {
			return nil, fmt.Errorf("%w: %s", ErrNotLeased, id)
		}
		return nil, fmt.Errorf("failed to load assignment of %s: %w", id, err)
	}
	return &a, nil
}

// checkLease verifies workerID holds the lease on id
func (m *Manager) checkLease(ctx context.Context, id, workerID string) (*types.Assignment, error) {
	a, err := m.loadAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s is leased by %s, not %s", ErrNotLeased, id, a.WorkerID, workerID)
	}
	return a, nil
}

// failures returns how many attempts of id have failed so far
func (m *Manager) failures(ctx context.Context, id string) int {
	raw, err := m.store.Get(ctx, m.keys.Attempts(id))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (m *Manager) cancelRequested(ctx context.Context, id string) bool {
	ok, err := m.store.Exists(ctx, m.keys.Cancel(id))
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to read cancel flag")
		return false
	}
	return ok
}

// clearLease drops the assignment record and disarms the timeout
func (m *Manager) clearLease(ctx context.Context, id string) error {
	if _, err := m.store.ZRem(ctx, m.keys.Timeouts(), id); err != nil {
		return fmt.Errorf("failed to disarm timeout of %s: %w", id, err)
	}
	return m.store.Del(ctx, m.keys.Assignment(id), m.keys.Lease(id))
}
