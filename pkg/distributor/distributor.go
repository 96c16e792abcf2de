package distributor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidDevice is returned for a malformed registration
	ErrInvalidDevice = errors.New("invalid device")
	// ErrDeviceNotFound is returned for an unknown device id
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAllocationInfeasible is returned when no device set satisfies a request
	ErrAllocationInfeasible = errors.New("allocation infeasible")
	// ErrInvalidRequirements is returned for malformed job requirements
	ErrInvalidRequirements = errors.New("invalid job requirements")
)

// LoadWeights are the coefficients of a device's current load
type LoadWeights struct {
	CPU     float64 `yaml:"cpu"`
	Memory  float64 `yaml:"memory"`
	GPU     float64 `yaml:"gpu"`
	Network float64 `yaml:"network"`
}

// Config holds distributor policy
type Config struct {
	Strategy   types.AllocationStrategy `yaml:"strategy"`
	MaxDevices int                      `yaml:"max_devices"`

	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	RebalanceInterval      time.Duration `yaml:"rebalance_interval"`
	LoadStdDevThreshold    float64       `yaml:"load_stddev_threshold"`
	ImbalanceRatio         float64       `yaml:"imbalance_ratio"`
	MaxMigrationsPerDevice int           `yaml:"max_migrations_per_device"`
	MigrationLoadStep      float64       `yaml:"migration_load_step"`

	BusyThreshold float64     `yaml:"busy_threshold"`
	IdleThreshold float64     `yaml:"idle_threshold"`
	LoadWeights   LoadWeights `yaml:"load_weights"`

	CheckpointThreshold time.Duration `yaml:"checkpoint_threshold"`
	CheckpointInterval  time.Duration `yaml:"checkpoint_interval"`

	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the distributor defaults
func DefaultConfig() Config {
	return Config{
		Strategy:               types.StrategyBestFit,
		MaxDevices:             4,
		HeartbeatTimeout:       30 * time.Second,
		HealthCheckInterval:    10 * time.Second,
		RebalanceInterval:      30 * time.Second,
		LoadStdDevThreshold:    20,
		ImbalanceRatio:         0.2,
		MaxMigrationsPerDevice: 2,
		MigrationLoadStep:      10,
		BusyThreshold:          90,
		IdleThreshold:          10,
		LoadWeights:            LoadWeights{CPU: 0.4, Memory: 0.3, GPU: 0.2, Network: 0.1},
		CheckpointThreshold:    time.Hour,
		CheckpointInterval:     5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = def.MaxDevices
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = def.RebalanceInterval
	}
	if c.LoadStdDevThreshold <= 0 {
		c.LoadStdDevThreshold = def.LoadStdDevThreshold
	}
	if c.ImbalanceRatio <= 0 {
		c.ImbalanceRatio = def.ImbalanceRatio
	}
	if c.MaxMigrationsPerDevice <= 0 {
		c.MaxMigrationsPerDevice = def.MaxMigrationsPerDevice
	}
	if c.MigrationLoadStep <= 0 {
		c.MigrationLoadStep = def.MigrationLoadStep
	}
	if c.BusyThreshold <= 0 {
		c.BusyThreshold = def.BusyThreshold
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = def.IdleThreshold
	}
	if c.LoadWeights == (LoadWeights{}) {
		c.LoadWeights = def.LoadWeights
	}
	if c.CheckpointThreshold <= 0 {
		c.CheckpointThreshold = def.CheckpointThreshold
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// DeviceLostFunc is called with the jobs of a device declared OFFLINE
type DeviceLostFunc func(deviceID string, jobIDs []string)

type device struct {
	mu    sync.Mutex
	caps  types.DeviceCapabilities
	state types.DeviceState
}

func (d *device) snapshot() types.DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *device) snapshotLocked() types.DeviceSnapshot {
	s := types.DeviceSnapshot{Capabilities: d.caps, State: d.state}
	s.State.AssignedJobs = append([]string(nil), d.state.AssignedJobs...)
	return s
}

// free returns the unreserved capacity of the device
func (d *device) freeLocked() types.Reservation {
	return types.Reservation{
		CPUCores: float64(d.caps.CPUCores) - d.state.AllocatedCPUCores,
		MemoryGB: d.caps.MemoryGB - d.state.AllocatedMemoryGB,
		GPUCount: d.caps.GPUCount - d.state.AllocatedGPUCount,
	}
}

// Distributor tracks devices and matches resource-bound jobs to them.
// Lock order: registry, then allocations, then device.
type Distributor struct {
	cfg     Config
	archive storage.Store
	logger  zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*device
	order   []string

	allocMu     sync.Mutex
	allocations map[string]*types.JobAllocation

	lostMu sync.RWMutex
	onLost DeviceLostFunc
}

// New creates a distributor. archive may be nil, in which case device
// registrations are not persisted.
func New(archive storage.Store, cfg Config) (*Distributor, error) {
	cfg.applyDefaults()
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("unknown allocation strategy %q", cfg.Strategy)
	}
	return &Distributor{
		cfg:         cfg,
		archive:     archive,
		logger:      log.WithComponent("distributor"),
		devices:     make(map[string]*device),
		allocations: make(map[string]*types.JobAllocation),
	}, nil
}

// OnDeviceLost sets the callback invoked when the health monitor declares
// a device OFFLINE
func (d *Distributor) OnDeviceLost(fn DeviceLostFunc) {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	d.onLost = fn
}

// RegisterDevice records a device's capabilities and marks it ONLINE.
// Registering a known id refreshes its capabilities and keeps its
// reservations.
func (d *Distributor) RegisterDevice(info types.DeviceInfo) error {
	if err := validateDevice(info); err != nil {
		return err
	}
	now := d.cfg.Now()
	caps := buildCapabilities(info, now)

	d.mu.Lock()
	dev, exists := d.devices[info.ID]
	if !exists {
		dev = &device{state: types.DeviceState{DeviceID: info.ID}}
		d.devices[info.ID] = dev
		d.order = append(d.order, info.ID)
	}
	dev.mu.Lock()
	if exists {
		caps.ReliabilityScore = dev.caps.ReliabilityScore
		caps.RegisteredAt = dev.caps.RegisteredAt
	}
	dev.caps = caps
	dev.state.Status = types.DeviceStatusOnline
	dev.state.LastHeartbeat = now
	dev.mu.Unlock()
	d.mu.Unlock()

	if d.archive != nil {
		if err := d.archive.SaveDevice(&caps); err != nil {
			return fmt.Errorf("failed to persist device %s: %w", info.ID, err)
		}
	}

	d.logger.Info().
		Str("device_id", info.ID).
		Int("cpu_cores", info.CPUCores).
		Float64("memory_gb", info.MemoryGB).
		Int("gpu_count", info.GPUCount).
		Float64("flops", caps.FLOPS).
		Bool("refreshed", exists).
		Msg("device registered")
	return nil
}

func validateDevice(info types.DeviceInfo) error {
	if info.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if info.CPUCores <= 0 {
		return fmt.Errorf("%w: cpu_cores must be positive", ErrInvalidDevice)
	}
	if info.MemoryGB <= 0 {
		return fmt.Errorf("%w: memory_gb must be positive", ErrInvalidDevice)
	}
	if info.CPUFrequencyMHz < 0 || info.GPUCount < 0 || info.GPUMemoryGB < 0 ||
		info.NetworkBandwidthMbps < 0 || info.NetworkLatencyMs < 0 || info.DiskThroughputMBps < 0 {
		return fmt.Errorf("%w: negative capability", ErrInvalidDevice)
	}
	return nil
}

func buildCapabilities(info types.DeviceInfo, now time.Time) types.DeviceCapabilities {
	benchmark := info.BenchmarkScore
	if benchmark <= 0 {
		benchmark = float64(info.CPUCores) * info.CPUFrequencyMHz / 1000
	}
	labels := make(map[string]string, len(info.Labels))
	for k, v := range info.Labels {
		labels[k] = v
	}
	return types.DeviceCapabilities{
		DeviceID:             info.ID,
		Hostname:             info.Hostname,
		Zone:                 info.Zone,
		CPUCores:             info.CPUCores,
		CPUFrequencyMHz:      info.CPUFrequencyMHz,
		BenchmarkScore:       benchmark,
		MemoryGB:             info.MemoryGB,
		GPUCount:             info.GPUCount,
		GPUMemoryGB:          info.GPUMemoryGB,
		DiskThroughputMBps:   info.DiskThroughputMBps,
		NetworkBandwidthMbps: info.NetworkBandwidthMbps,
		NetworkLatencyMs:     info.NetworkLatencyMs,
		FLOPS:                estimateFLOPS(info),
		ReliabilityScore:     1.0,
		Labels:               labels,
		RegisteredAt:         now,
	}
}

// estimateFLOPS assumes four operations per cycle per core and 10 TFLOPS per GPU
func estimateFLOPS(info types.DeviceInfo) float64 {
	return float64(info.CPUCores)*info.CPUFrequencyMHz*1e6*4 + float64(info.GPUCount)*10e12
}

// LoadDevices restores persisted registrations. Restored devices stay
// OFFLINE until their first heartbeat. It returns the number restored.
func (d *Distributor) LoadDevices() (int, error) {
	if d.archive == nil {
		return 0, nil
	}
	stored, err := d.archive.ListDevices()
	if err != nil {
		return 0, fmt.Errorf("failed to load devices: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	restored := 0
	for _, caps := range stored {
		if _, ok := d.devices[caps.DeviceID]; ok {
			continue
		}
		d.devices[caps.DeviceID] = &device{
			caps: *caps,
			state: types.DeviceState{
				DeviceID: caps.DeviceID,
				Status:   types.DeviceStatusOffline,
			},
		}
		d.order = append(d.order, caps.DeviceID)
		restored++
	}
	d.logger.Info().Int("count", restored).Msg("devices restored")
	return restored, nil
}

// RemoveDevice forgets a device. It fails while the device still holds
// reservations.
func (d *Distributor) RemoveDevice(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	dev.mu.Lock()
	busy := len(dev.state.AssignedJobs)
	dev.mu.Unlock()
	if busy > 0 {
		return fmt.Errorf("device %s still has %d assigned jobs", id, busy)
	}

	delete(d.devices, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	if d.archive != nil {
		if err := d.archive.DeleteDevice(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete device %s: %w", id, err)
		}
	}
	d.logger.Info().Str("device_id", id).Msg("device removed")
	return nil
}

// UpdateDeviceState merges a heartbeat sample into the device state and
// derives its load and status. Devices an operator put in MAINTENANCE or
// ERROR keep that status.
func (d *Distributor) UpdateDeviceState(id string, m types.DeviceMetrics) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	s := &dev.state
	s.CPUUtilization = clampPercent(m.CPUUtilization)
	s.MemoryUtilization = clampPercent(m.MemoryUtilization)
	s.GPUUtilization = clampPercent(m.GPUUtilization)
	s.DiskUtilization = clampPercent(m.DiskUtilization)
	s.NetworkUtilization = clampPercent(m.NetworkUtilization)
	s.CurrentLoad = d.load(s)
	s.LastHeartbeat = d.cfg.Now()

	previous := s.Status
	if previous != types.DeviceStatusMaintenance && previous != types.DeviceStatusError {
		switch {
		case s.CurrentLoad > d.cfg.BusyThreshold:
			s.Status = types.DeviceStatusBusy
		case s.CurrentLoad < d.cfg.IdleThreshold:
			s.Status = types.DeviceStatusIdle
		default:
			s.Status = types.DeviceStatusOnline
		}
	}

	if previous != s.Status {
		d.logger.Debug().
			Str("device_id", id).
			Str("from", string(previous)).
			Str("to", string(s.Status)).
			Float64("load", s.CurrentLoad).
			Msg("device status changed")
	}
	return nil
}

func (d *Distributor) load(s *types.DeviceState) float64 {
	w := d.cfg.LoadWeights
	load := s.CPUUtilization*w.CPU +
		s.MemoryUtilization*w.Memory +
		s.GPUUtilization*w.GPU +
		s.NetworkUtilization*w.Network
	return math.Min(load, 100)
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(v, 100))
}

// SetDeviceStatus overrides the status of a device, for example to drain
// it for maintenance
func (d *Distributor) SetDeviceStatus(id string, status types.DeviceStatus) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	previous := dev.state.Status
	dev.state.Status = status
	dev.mu.Unlock()

	d.logger.Info().
		Str("device_id", id).
		Str("from", string(previous)).
		Str("to", string(status)).
		Msg("device status set")
	return nil
}

func (d *Distributor) device(id string) (*device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return dev, nil
}

// GetDeviceMetrics returns a snapshot of one device
func (d *Distributor) GetDeviceMetrics(id string) (types.DeviceSnapshot, error) {
	dev, err := d.device(id)
	if err != nil {
		return types.DeviceSnapshot{}, err
	}
	return dev.snapshot(), nil
}

// ListDevices returns snapshots of every device in registration order
func (d *Distributor) ListDevices() []types.DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.DeviceSnapshot, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.devices[id].snapshot())
	}
	return out
}

// GetAllocation returns the active allocation of a job
func (d *Distributor) GetAllocation(jobID string) (*types.JobAllocation, bool) {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()
	a, ok := d.allocations[jobID]
	if !ok || a == nil {
		return nil, false
	}
	return copyAllocation(a), true
}

// GetClusterStatus aggregates device counts, capacity and load. Load
// statistics cover devices that are not OFFLINE.
func (d *Distributor) GetClusterStatus() types.ClusterStatus {
	status := types.ClusterStatus{DevicesByStatus: make(map[types.DeviceStatus]int)}

	var loads []float64
	for _, snap := range d.ListDevices() {
		status.TotalDevices++
		status.DevicesByStatus[snap.State.Status]++
		status.TotalCPUCores += float64(snap.Capabilities.CPUCores)
		status.TotalMemoryGB += snap.Capabilities.MemoryGB
		status.TotalGPUs += snap.Capabilities.GPUCount
		status.AllocatedCPUCores += snap.State.AllocatedCPUCores
		status.AllocatedMemoryGB += snap.State.AllocatedMemoryGB
		status.AllocatedGPUs += snap.State.AllocatedGPUCount
		status.AssignedJobs += len(snap.State.AssignedJobs)
		if snap.State.Status != types.DeviceStatusOffline {
			loads = append(loads, snap.State.CurrentLoad)
		}
	}
	status.MeanLoad, status.LoadStdDev = meanStdDev(loads)

	d.allocMu.Lock()
	for _, a := range d.allocations {
		if a != nil {
			status.ActiveAllocations++
		}
	}
	d.allocMu.Unlock()
	return status
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
