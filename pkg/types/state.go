package types

import (
	"errors"
	"fmt"
)

// JobStatus is a state of the job lifecycle
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobStatusNew is the pseudo-state of a job that has not been stored yet
const JobStatusNew JobStatus = ""

// ErrInvalidTransition is returned for an edge the lifecycle does not allow
var ErrInvalidTransition = errors.New("invalid job status transition")

var transitions = map[JobStatus][]JobStatus{
	JobStatusNew:       {JobStatusPending, JobStatusQueued, JobStatusScheduled},
	JobStatusPending:   {JobStatusQueued, JobStatusScheduled, JobStatusCancelled},
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusScheduled: {JobStatusQueued, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusRetrying, JobStatusFailed, JobStatusTimeout, JobStatusCancelled},
	JobStatusRetrying:  {JobStatusScheduled, JobStatusQueued},
	JobStatusTimeout:   {JobStatusRetrying, JobStatusFailed},
}

// IsTerminal reports whether no further transition leaves s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusScheduled, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusRetrying, JobStatusTimeout,
		JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Transition validates the edge from -> to. All status changes go through it.
func Transition(from, to JobStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}
