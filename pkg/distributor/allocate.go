package distributor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/types"
	"github.com/google/uuid"
)

// reserveAttempts bounds how often Allocate re-plans after losing a race
// for a device's remaining capacity
const reserveAttempts = 3

// Allocate chooses a device set for a resource-bound job and reserves the
// capacity on every chosen device. The strategy comes from the request or,
// when unset, the configuration. It returns ErrAllocationInfeasible when
// no device set fits.
func (d *Distributor) Allocate(req types.JobRequirements) (*types.JobAllocation, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = d.cfg.Strategy
	}
	if err := validateRequirements(req, strategy); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AllocationLatency, string(strategy))

	// Hold the job id so concurrent requests for one job cannot both reserve
	d.allocMu.Lock()
	if _, exists := d.allocations[req.JobID]; exists {
		d.allocMu.Unlock()
		return nil, fmt.Errorf("%w: job %s already has an allocation", ErrInvalidRequirements, req.JobID)
	}
	d.allocations[req.JobID] = nil
	d.allocMu.Unlock()

	allocation, err := d.allocate(req, strategy)
	if err != nil {
		d.allocMu.Lock()
		delete(d.allocations, req.JobID)
		d.allocMu.Unlock()

		metrics.AllocationsTotal.WithLabelValues(string(strategy), "infeasible").Inc()
		d.logger.Warn().
			Str("job_id", req.JobID).
			Str("strategy", string(strategy)).
			Float64("min_cpu_cores", req.MinCPUCores).
			Float64("min_memory_gb", req.MinMemoryGB).
			Int("gpus", req.GPUsNeeded()).
			Msg("allocation infeasible")
		return nil, err
	}

	d.allocMu.Lock()
	d.allocations[req.JobID] = allocation
	d.allocMu.Unlock()

	metrics.AllocationsTotal.WithLabelValues(string(strategy), "success").Inc()
	d.logger.Info().
		Str("job_id", req.JobID).
		Str("allocation_id", allocation.ID).
		Str("strategy", string(strategy)).
		Strs("devices", allocation.AllocatedDevices).
		Bool("checkpoint", allocation.CheckpointEnabled).
		Msg("job allocated")
	return copyAllocation(allocation), nil
}

// Requirements derives the allocation request of a job
func Requirements(job *types.JobDefinition) types.JobRequirements {
	return types.JobRequirements{
		JobID:             job.ID,
		MinCPUCores:       job.RequiredCPUCores,
		MinMemoryGB:       job.RequiredMemoryGB,
		RequiresGPU:       job.RequiresGPU,
		EstimatedDuration: job.Timeout,
	}
}

// SubmitJob allocates devices for a resource-bound job about to run on the
// worker hosted by device. The worker's own device is tried first; the
// job falls back to any suitable device when it does not fit there.
func (d *Distributor) SubmitJob(job *types.JobDefinition, device string) (*types.JobAllocation, error) {
	req := Requirements(job)
	if device == "" {
		return d.Allocate(req)
	}

	req.DataLocality = device
	if _, err := d.device(device); err == nil {
		local := req
		local.PreferredDevices = []string{device}
		allocation, err := d.Allocate(local)
		if !errors.Is(err, ErrAllocationInfeasible) {
			return allocation, err
		}
	}
	return d.Allocate(req)
}

func validateRequirements(req types.JobRequirements, strategy types.AllocationStrategy) error {
	if req.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidRequirements)
	}
	if !strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequirements, strategy)
	}
	if req.MinCPUCores < 0 || req.MinMemoryGB < 0 || req.MinGPUCount < 0 ||
		req.MaxDevices < 0 || req.DataSizeGB < 0 || req.EstimatedDuration < 0 {
		return fmt.Errorf("%w: negative requirement", ErrInvalidRequirements)
	}
	return nil
}

func (d *Distributor) allocate(req types.JobRequirements, strategy types.AllocationStrategy) (*types.JobAllocation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		chosen, share := d.plan(req, strategy)
		if len(chosen) == 0 {
			return nil, fmt.Errorf("%w: job %s", ErrAllocationInfeasible, req.JobID)
		}
		if d.reserve(req.JobID, chosen, share) {
			return d.buildAllocation(req, strategy, chosen, share), nil
		}
		d.logger.Debug().Str("job_id", req.JobID).Int("attempt", attempt+1).Msg("reservation raced, replanning")
	}
	return nil, fmt.Errorf("%w: job %s lost every reservation race", ErrAllocationInfeasible, req.JobID)
}

// plan runs the strategy against current snapshots. It returns the chosen
// device ids and the per-device share to reserve on each.
func (d *Distributor) plan(req types.JobRequirements, strategy types.AllocationStrategy) ([]string, types.Reservation) {
	candidates := make([]types.DeviceSnapshot, 0, len(d.order))
	for _, id := range d.order {
		candidates = append(candidates, d.devices[id].snapshot())
	}

	switch strategy {
	case types.StrategyFirstFit:
		return firstFit(candidates, req)
	case types.StrategyBestFit:
		return bestFit(candidates, req)
	case types.StrategyLocalityAware:
		if req.DataLocality != "" {
			return d.spread(candidates, req, func(a, b types.DeviceSnapshot) bool {
				da, db := distance(a, req.DataLocality), distance(b, req.DataLocality)
				if da != db {
					return da < db
				}
				return deviceWeight(a) > deviceWeight(b)
			})
		}
		fallthrough
	default:
		return d.spread(candidates, req, func(a, b types.DeviceSnapshot) bool {
			wa, wb := deviceWeight(a), deviceWeight(b)
			if wa != wb {
				return wa > wb
			}
			return a.State.CurrentLoad < b.State.CurrentLoad
		})
	}
}

// share splits a requirement evenly over n devices
func share(req types.JobRequirements, n int) types.Reservation {
	return types.Reservation{
		CPUCores: req.MinCPUCores / float64(n),
		MemoryGB: req.MinMemoryGB / float64(n),
		GPUCount: int(math.Ceil(float64(req.GPUsNeeded()) / float64(n))),
	}
}

// suitable reports whether a device may take a share of the job
func suitable(s types.DeviceSnapshot, req types.JobRequirements, want types.Reservation) bool {
	if s.State.Status != types.DeviceStatusOnline && s.State.Status != types.DeviceStatusIdle {
		return false
	}
	id := s.Capabilities.DeviceID
	if contains(req.ExcludedDevices, id) {
		return false
	}
	if len(req.PreferredDevices) > 0 && !contains(req.PreferredDevices, id) {
		return false
	}
	return fits(s.Capabilities, s.State, want)
}

func fits(caps types.DeviceCapabilities, state types.DeviceState, want types.Reservation) bool {
	return float64(caps.CPUCores)-state.AllocatedCPUCores >= want.CPUCores &&
		caps.MemoryGB-state.AllocatedMemoryGB >= want.MemoryGB &&
		caps.GPUCount-state.AllocatedGPUCount >= want.GPUCount
}

func firstFit(devices []types.DeviceSnapshot, req types.JobRequirements) ([]string, types.Reservation) {
	want := share(req, 1)
	for _, s := range devices {
		if suitable(s, req, want) {
			return []string{s.Capabilities.DeviceID}, want
		}
	}
	return nil, want
}

func bestFit(devices []types.DeviceSnapshot, req types.JobRequirements) ([]string, types.Reservation) {
	want := share(req, 1)
	best := ""
	bestWaste := math.Inf(1)
	for _, s := range devices {
		if !suitable(s, req, want) {
			continue
		}
		waste := (float64(s.Capabilities.CPUCores) - s.State.AllocatedCPUCores - want.CPUCores) +
			(s.Capabilities.MemoryGB - s.State.AllocatedMemoryGB - want.MemoryGB)
		if waste < bestWaste {
			best, bestWaste = s.Capabilities.DeviceID, waste
		}
	}
	if best == "" {
		return nil, want
	}
	return []string{best}, want
}

// spread grows the device set one at a time, best first by less, until
// every member can hold an even share of the job or max devices is reached
func (d *Distributor) spread(devices []types.DeviceSnapshot, req types.JobRequirements, less func(a, b types.DeviceSnapshot) bool) ([]string, types.Reservation) {
	limit := req.MaxDevices
	if limit <= 0 {
		limit = d.cfg.MaxDevices
	}
	sorted := append([]types.DeviceSnapshot(nil), devices...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	for n := 1; n <= limit; n++ {
		want := share(req, n)
		var chosen []string
		for _, s := range sorted {
			if suitable(s, req, want) {
				chosen = append(chosen, s.Capabilities.DeviceID)
				if len(chosen) == n {
					return chosen, want
				}
			}
		}
	}
	return nil, types.Reservation{}
}

// deviceWeight ranks devices by raw capacity and reliability
func deviceWeight(s types.DeviceSnapshot) float64 {
	c := s.Capabilities
	return 0.3*(float64(c.CPUCores)*c.CPUFrequencyMHz/1000) +
		0.2*c.MemoryGB +
		0.2*float64(c.GPUCount*10) +
		0.1*(c.NetworkBandwidthMbps/1000) +
		0.2*(c.ReliabilityScore*10)
}

// distance approximates the network distance from a device to where the
// data lives. Devices in the locality zone (or named by it) are closest;
// latency breaks ties.
func distance(s types.DeviceSnapshot, locality string) float64 {
	c := s.Capabilities
	d := c.NetworkLatencyMs
	switch {
	case strings.EqualFold(c.DeviceID, locality), strings.EqualFold(c.Hostname, locality):
		return d
	case strings.EqualFold(c.Zone, locality), strings.EqualFold(c.Labels["zone"], locality):
		return 1000 + d
	default:
		return 1e6 + d
	}
}

// reserve locks the chosen devices in id order, re-checks them against the
// share and reserves it on each. It reports false if any device no longer
// fits, leaving every device untouched.
func (d *Distributor) reserve(jobID string, chosen []string, want types.Reservation) bool {
	ids := append([]string(nil), chosen...)
	sort.Strings(ids)

	locked := make([]*device, 0, len(ids))
	defer func() {
		for _, dev := range locked {
			dev.mu.Unlock()
		}
	}()
	for _, id := range ids {
		dev, ok := d.devices[id]
		if !ok {
			return false
		}
		dev.mu.Lock()
		locked = append(locked, dev)
		status := dev.state.Status
		if status != types.DeviceStatusOnline && status != types.DeviceStatusIdle {
			return false
		}
		if !fits(dev.caps, dev.state, want) {
			return false
		}
	}

	for _, dev := range locked {
		dev.state.AllocatedCPUCores += want.CPUCores
		dev.state.AllocatedMemoryGB += want.MemoryGB
		dev.state.AllocatedGPUCount += want.GPUCount
		dev.state.AssignedJobs = append(dev.state.AssignedJobs, jobID)
	}
	return true
}

func (d *Distributor) buildAllocation(req types.JobRequirements, strategy types.AllocationStrategy, chosen []string, want types.Reservation) *types.JobAllocation {
	now := d.cfg.Now()
	allocation := &types.JobAllocation{
		ID:                      uuid.New().String(),
		JobID:                   req.JobID,
		AllocatedDevices:        chosen,
		Reservations:            make(map[string]types.Reservation, len(chosen)),
		Strategy:                strategy,
		EstimatedCompletionTime: now.Add(req.EstimatedDuration),
		DataTransferPlan:        make(map[string]types.DataChunk, len(chosen)),
		CreatedAt:               now,
	}

	chunk := req.DataSizeGB / float64(len(chosen))
	for i, id := range chosen {
		allocation.Reservations[id] = want
		if req.DataSizeGB > 0 {
			allocation.DataTransferPlan[id] = types.DataChunk{
				Index:    i,
				OffsetGB: float64(i) * chunk,
				SizeGB:   chunk,
			}
		}
	}

	if req.EstimatedDuration > d.cfg.CheckpointThreshold {
		allocation.CheckpointEnabled = true
		allocation.CheckpointInterval = d.cfg.CheckpointInterval
	}
	return allocation
}

// Release returns the reservations held for a job. It reports false when
// the job has no allocation.
func (d *Distributor) Release(jobID string) bool {
	d.allocMu.Lock()
	allocation, ok := d.allocations[jobID]
	if !ok || allocation == nil {
		d.allocMu.Unlock()
		return false
	}
	delete(d.allocations, jobID)
	d.allocMu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, r := range allocation.Reservations {
		dev, ok := d.devices[id]
		if !ok {
			continue
		}
		dev.mu.Lock()
		dev.state.AllocatedCPUCores = math.Max(0, dev.state.AllocatedCPUCores-r.CPUCores)
		dev.state.AllocatedMemoryGB = math.Max(0, dev.state.AllocatedMemoryGB-r.MemoryGB)
		dev.state.AllocatedGPUCount = max(0, dev.state.AllocatedGPUCount-r.GPUCount)
		dev.state.AssignedJobs = without(dev.state.AssignedJobs, jobID)
		dev.mu.Unlock()
	}

	d.logger.Info().Str("job_id", jobID).Strs("devices", allocation.AllocatedDevices).Msg("allocation released")
	return true
}

func copyAllocation(a *types.JobAllocation) *types.JobAllocation {
	cp := *a
	cp.AllocatedDevices = append([]string(nil), a.AllocatedDevices...)
	cp.Reservations = make(map[string]types.Reservation, len(a.Reservations))
	for k, v := range a.Reservations {
		cp.Reservations[k] = v
	}
	cp.DataTransferPlan = make(map[string]types.DataChunk, len(a.DataTransferPlan))
	for k, v := range a.DataTransferPlan {
		cp.DataTransferPlan[k] = v
	}
	return &cp
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
