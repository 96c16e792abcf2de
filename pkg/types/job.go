package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders queued work. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Priorities lists every priority level in service order
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined levels
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority converts a level name into a Priority
func ParsePriority(s string) (Priority, error) {
	for _, p := range Priorities {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Payload is the structured, JSON-serializable body of a job or its result
type Payload map[string]interface{}

// Validate checks that the payload survives JSON encoding so any store
// backend can carry it
func (p Payload) Validate() error {
	if p == nil {
		return nil
	}
	if _, err := json.Marshal(p); err != nil {
		return fmt.Errorf("payload is not serializable: %w", err)
	}
	return nil
}

// JobDefinition is an immutable request for work
type JobDefinition struct {
	ID       string   `json:"job_id"`
	Type     string   `json:"job_type"`
	Payload  Payload  `json:"payload,omitempty"`
	Priority Priority `json:"priority"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`

	// MaxRetries bounds the number of attempts. Zero means the manager default.
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout"`
	DependsOn  []string      `json:"depends_on,omitempty"`

	// Resource requirements
	RequiresGPU      bool    `json:"requires_gpu,omitempty"`
	RequiredMemoryGB float64 `json:"required_memory_gb,omitempty"`
	RequiredCPUCores float64 `json:"required_cpu_cores,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WorkerCapabilities is what a worker advertises when it polls for work
type WorkerCapabilities struct {
	GPU      bool    `json:"gpu" yaml:"gpu"`
	GPUCount int     `json:"gpu_count" yaml:"gpu_count"`
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"`
}

// ResourceBound reports whether the job declares resource requirements
// the distributor must place
func (j *JobDefinition) ResourceBound() bool {
	return j.RequiresGPU || j.RequiredCPUCores > 0 || j.RequiredMemoryGB > 0
}

// FitsWorker reports whether a worker with caps can run the job
func (j *JobDefinition) FitsWorker(caps WorkerCapabilities) bool {
	if j.RequiresGPU && !caps.GPU {
		return false
	}
	if j.RequiredMemoryGB > caps.MemoryGB {
		return false
	}
	if j.RequiredCPUCores > caps.CPUCores {
		return false
	}
	return true
}

// JobResult records a terminal outcome
type JobResult struct {
	JobID         string        `json:"job_id"`
	Status        JobStatus     `json:"status"`
	Result        Payload       `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	ExecutionTime time.Duration `json:"execution_time"`
	Attempts      int           `json:"attempts"`
	WorkerID      string        `json:"worker_id,omitempty"`
}

// Assignment is the lease record of a RUNNING job
type Assignment struct {
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

// StatusEvent is published on every job status change
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type,omitempty"`
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStats summarizes queue occupancy
type QueueStats struct {
	Queued    map[Priority]int64 `json:"queued"`
	Scheduled int64              `json:"scheduled"`
	Running   int64              `json:"running"`
	Finished  int64              `json:"finished"`
}
