package types

import "time"

// DeviceStatus represents the current state of a device
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusBusy        DeviceStatus = "busy"
	DeviceStatusIdle        DeviceStatus = "idle"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
)

// Valid reports whether s is a known device status
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusBusy,
		DeviceStatusIdle, DeviceStatusMaintenance, DeviceStatusError:
		return true
	}
	return false
}

// DeviceInfo is what a device agent reports when it registers
type DeviceInfo struct {
	ID                   string            `json:"id" yaml:"id"`
	Hostname             string            `json:"hostname,omitempty" yaml:"hostname"`
	Zone                 string            `json:"zone,omitempty" yaml:"zone"`
	CPUCores             int               `json:"cpu_cores" yaml:"cpu_cores"`
	CPUFrequencyMHz      float64           `json:"cpu_frequency_mhz" yaml:"cpu_frequency_mhz"`
	BenchmarkScore       float64           `json:"benchmark_score,omitempty" yaml:"benchmark_score"`
	MemoryGB             float64           `json:"memory_gb" yaml:"memory_gb"`
	GPUCount             int               `json:"gpu_count,omitempty" yaml:"gpu_count"`
	GPUMemoryGB          float64           `json:"gpu_memory_gb,omitempty" yaml:"gpu_memory_gb"`
	DiskThroughputMBps   float64           `json:"disk_throughput_mbps,omitempty" yaml:"disk_throughput_mbps"`
	NetworkBandwidthMbps float64           `json:"network_bandwidth_mbps,omitempty" yaml:"network_bandwidth_mbps"`
	NetworkLatencyMs     float64           `json:"network_latency_ms,omitempty" yaml:"network_latency_ms"`
	Labels               map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// DeviceCapabilities holds the slowly-changing facts about a device
type DeviceCapabilities struct {
	DeviceID             string            `json:"device_id"`
	Hostname             string            `json:"hostname,omitempty"`
	Zone                 string            `json:"zone,omitempty"`
	CPUCores             int               `json:"cpu_cores"`
	CPUFrequencyMHz      float64           `json:"cpu_frequency_mhz"`
	BenchmarkScore       float64           `json:"benchmark_score"`
	MemoryGB             float64           `json:"memory_gb"`
	GPUCount             int               `json:"gpu_count"`
	GPUMemoryGB          float64           `json:"gpu_memory_gb"`
	DiskThroughputMBps   float64           `json:"disk_throughput_mbps"`
	NetworkBandwidthMbps float64           `json:"network_bandwidth_mbps"`
	NetworkLatencyMs     float64           `json:"network_latency_ms"`
	FLOPS                float64           `json:"flops"`
	ReliabilityScore     float64           `json:"reliability_score"`
	Labels               map[string]string `json:"labels,omitempty"`
	RegisteredAt         time.Time         `json:"registered_at"`
}

// DeviceState holds the dynamic state of a device
type DeviceState struct {
	DeviceID           string       `json:"device_id"`
	Status             DeviceStatus `json:"status"`
	CurrentLoad        float64      `json:"current_load"`
	CPUUtilization     float64      `json:"cpu_utilization"`
	MemoryUtilization  float64      `json:"memory_utilization"`
	GPUUtilization     float64      `json:"gpu_utilization"`
	DiskUtilization    float64      `json:"disk_utilization"`
	NetworkUtilization float64      `json:"network_utilization"`
	AssignedJobs       []string     `json:"assigned_jobs"`

	// Reservation counters
	AllocatedCPUCores float64 `json:"allocated_cpu_cores"`
	AllocatedMemoryGB float64 `json:"allocated_memory_gb"`
	AllocatedGPUCount int     `json:"allocated_gpu_count"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// DeviceMetrics is a heartbeat sample. Utilizations are percentages (0-100).
type DeviceMetrics struct {
	CPUUtilization     float64 `json:"cpu_utilization"`
	MemoryUtilization  float64 `json:"memory_utilization"`
	GPUUtilization     float64 `json:"gpu_utilization"`
	DiskUtilization    float64 `json:"disk_utilization"`
	NetworkUtilization float64 `json:"network_utilization"`
}

// DeviceAction is an operator request sent to the scheduler
type DeviceAction string

const (
	DeviceActionRemove    DeviceAction = "remove"
	DeviceActionSetStatus DeviceAction = "set_status"
)

// DeviceCommand asks the scheduler to change its device registry
type DeviceCommand struct {
	DeviceID string       `json:"device_id"`
	Action   DeviceAction `json:"action"`
	Status   DeviceStatus `json:"status,omitempty"`
}

// DeviceHeartbeat is what a worker publishes about the device it runs on.
// The scheduler registers unknown devices from Device.
type DeviceHeartbeat struct {
	Device  DeviceInfo    `json:"device"`
	Metrics DeviceMetrics `json:"metrics"`
	SentAt  time.Time     `json:"sent_at"`
}

// DeviceSnapshot is a point-in-time copy of one device
type DeviceSnapshot struct {
	Capabilities DeviceCapabilities `json:"capabilities"`
	State        DeviceState        `json:"state"`
}

// AllocationStrategy selects how devices are matched to a job
type AllocationStrategy string

const (
	StrategyFirstFit           AllocationStrategy = "first_fit"
	StrategyBestFit            AllocationStrategy = "best_fit"
	StrategyWeightedRoundRobin AllocationStrategy = "weighted_round_robin"
	StrategyLocalityAware      AllocationStrategy = "locality_aware"
)

// Valid reports whether s names a known strategy
func (s AllocationStrategy) Valid() bool {
	switch s {
	case StrategyFirstFit, StrategyBestFit, StrategyWeightedRoundRobin, StrategyLocalityAware:
		return true
	default:
		return false
	}
}

// JobRequirements describes the resources a resource-bound job needs
type JobRequirements struct {
	JobID             string             `json:"job_id"`
	MinCPUCores       float64            `json:"min_cpu_cores"`
	MinMemoryGB       float64            `json:"min_memory_gb"`
	RequiresGPU       bool               `json:"requires_gpu"`
	MinGPUCount       int                `json:"min_gpu_count"`
	MaxDevices        int                `json:"max_devices"`
	PreferredDevices  []string           `json:"preferred_devices,omitempty"`
	ExcludedDevices   []string           `json:"excluded_devices,omitempty"`
	DataLocality      string             `json:"data_locality,omitempty"`
	DataSizeGB        float64            `json:"data_size_gb,omitempty"`
	EstimatedDuration time.Duration      `json:"estimated_duration,omitempty"`
	Strategy          AllocationStrategy `json:"strategy,omitempty"`
}

// GPUsNeeded returns the GPU count the requirement asks for
func (r JobRequirements) GPUsNeeded() int {
	if r.MinGPUCount > 0 {
		return r.MinGPUCount
	}
	if r.RequiresGPU {
		return 1
	}
	return 0
}

// Reservation is the capacity held on one device by an allocation
type Reservation struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
	GPUCount int     `json:"gpu_count"`
}

// DataChunk is one shard of a job's input assigned to a device
type DataChunk struct {
	Index    int     `json:"index"`
	OffsetGB float64 `json:"offset_gb"`
	SizeGB   float64 `json:"size_gb"`
}

// JobAllocation is the device set chosen for a resource-bound job
type JobAllocation struct {
	ID                      string                 `json:"id"`
	JobID                   string                 `json:"job_id"`
	AllocatedDevices        []string               `json:"allocated_devices"`
	Reservations            map[string]Reservation `json:"reservations"`
	Strategy                AllocationStrategy     `json:"allocation_strategy"`
	EstimatedCompletionTime time.Time              `json:"estimated_completion_time"`
	DataTransferPlan        map[string]DataChunk   `json:"data_transfer_plan"`
	CheckpointEnabled       bool                   `json:"checkpoint_enabled"`
	CheckpointInterval      time.Duration          `json:"checkpoint_interval,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
}

// ClusterStatus aggregates device counts and loads
type ClusterStatus struct {
	TotalDevices      int                  `json:"total_devices"`
	DevicesByStatus   map[DeviceStatus]int `json:"devices_by_status"`
	MeanLoad          float64              `json:"mean_load"`
	LoadStdDev        float64              `json:"load_stddev"`
	TotalCPUCores     float64              `json:"total_cpu_cores"`
	AllocatedCPUCores float64              `json:"allocated_cpu_cores"`
	TotalMemoryGB     float64              `json:"total_memory_gb"`
	AllocatedMemoryGB float64              `json:"allocated_memory_gb"`
	TotalGPUs         int                  `json:"total_gpus"`
	AllocatedGPUs     int                  `json:"allocated_gpus"`
	ActiveAllocations int                  `json:"active_allocations"`
	AssignedJobs      int                  `json:"assigned_jobs"`
}

// ClusterReport is the snapshot a scheduler writes to the coordination
// store for out-of-process readers
type ClusterReport struct {
	Cluster    ClusterStatus    `json:"cluster"`
	Queue      QueueStats       `json:"queue"`
	Devices    []DeviceSnapshot `json:"devices"`
	ReportedAt time.Time        `json:"reported_at"`
}
