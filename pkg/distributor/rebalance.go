package distributor

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Migration records one job moved between devices by the rebalancer
type Migration struct {
	JobID string `json:"job_id"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Run drives the health monitor and the rebalancer until ctx is cancelled
func (d *Distributor) Run(ctx context.Context) error {
	d.logger.Info().
		Dur("health_check_interval", d.cfg.HealthCheckInterval).
		Dur("rebalance_interval", d.cfg.RebalanceInterval).
		Msg("distributor loops started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, d.cfg.HealthCheckInterval, func() { d.CheckHeartbeats() })
	})
	g.Go(func() error {
		return every(ctx, d.cfg.RebalanceInterval, func() { d.MaybeRebalance() })
	})
	err := g.Wait()
	d.logger.Info().Msg("distributor loops stopped")
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// CheckHeartbeats marks devices silent for longer than the heartbeat
// timeout OFFLINE and hands their jobs to the device-lost callback.
// It returns the ids of the devices it took offline.
func (d *Distributor) CheckHeartbeats() []string {
	now := d.cfg.Now()
	lost := make(map[string][]string)

	d.mu.RLock()
	for _, id := range d.order {
		dev := d.devices[id]
		dev.mu.Lock()
		s := &dev.state
		if s.Status != types.DeviceStatusOffline && now.Sub(s.LastHeartbeat) > d.cfg.HeartbeatTimeout {
			s.Status = types.DeviceStatusOffline
			lost[id] = append([]string(nil), s.AssignedJobs...)
		}
		dev.mu.Unlock()
	}
	d.mu.RUnlock()

	if len(lost) == 0 {
		return nil
	}

	d.lostMu.RLock()
	onLost := d.onLost
	d.lostMu.RUnlock()

	ids := make([]string, 0, len(lost))
	for id, jobs := range lost {
		ids = append(ids, id)
		d.logger.Warn().
			Str("device_id", id).
			Strs("jobs", jobs).
			Dur("heartbeat_timeout", d.cfg.HeartbeatTimeout).
			Msg("device missed heartbeats, marked offline")
		if onLost != nil {
			onLost(id, jobs)
		}
	}
	sort.Strings(ids)
	return ids
}

// MaybeRebalance rebalances when the spread of device load exceeds the
// configured standard deviation
func (d *Distributor) MaybeRebalance() []Migration {
	status := d.GetClusterStatus()
	if status.LoadStdDev <= d.cfg.LoadStdDevThreshold {
		return nil
	}
	d.logger.Info().
		Float64("mean_load", status.MeanLoad).
		Float64("load_stddev", status.LoadStdDev).
		Msg("load imbalance detected")
	return d.RebalanceLoad()
}

type loadEntry struct {
	dev  *device
	load float64
}

// RebalanceLoad moves jobs from devices loaded above the mean by more than
// the imbalance ratio to devices loaded below it by the same ratio. Each
// overloaded device gives up a bounded number of jobs; a target leaves the
// pool once its estimated load reaches the mean.
func (d *Distributor) RebalanceLoad() []Migration {
	d.mu.Lock()
	defer d.mu.Unlock()

	var entries []loadEntry
	var loads []float64
	for _, id := range d.order {
		dev := d.devices[id]
		dev.mu.Lock()
		status, load := dev.state.Status, dev.state.CurrentLoad
		dev.mu.Unlock()
		if !activeStatus(status) {
			continue
		}
		entries = append(entries, loadEntry{dev: dev, load: load})
		loads = append(loads, load)
	}
	if len(entries) < 2 {
		return nil
	}
	mean, _ := meanStdDev(loads)
	upper := mean * (1 + d.cfg.ImbalanceRatio)
	lower := mean * (1 - d.cfg.ImbalanceRatio)

	var over, under []loadEntry
	for _, e := range entries {
		switch {
		case e.load > upper:
			over = append(over, e)
		case e.load < lower:
			under = append(under, e)
		}
	}
	sort.SliceStable(over, func(i, j int) bool { return over[i].load > over[j].load })
	sort.SliceStable(under, func(i, j int) bool { return under[i].load < under[j].load })

	var migrations []Migration
	for _, src := range over {
		moved := 0
		jobs := src.dev.snapshot().State.AssignedJobs
		for _, jobID := range jobs {
			if moved >= d.cfg.MaxMigrationsPerDevice || len(under) == 0 {
				break
			}
			dst := under[0].dev
			if !d.migrate(jobID, src.dev, dst) {
				continue
			}
			moved++

			adjustLoad(src.dev, -d.cfg.MigrationLoadStep)
			dstLoad := adjustLoad(dst, d.cfg.MigrationLoadStep)
			migrations = append(migrations, Migration{
				JobID: jobID,
				From:  src.dev.caps.DeviceID,
				To:    dst.caps.DeviceID,
			})
			metrics.MigrationsTotal.Inc()
			d.logger.Info().
				Str("job_id", jobID).
				Str("from", src.dev.caps.DeviceID).
				Str("to", dst.caps.DeviceID).
				Msg("job migrated")

			if dstLoad >= mean {
				under = under[1:]
			}
		}
	}
	return migrations
}

// migrate moves a job's reservation and membership from src to dst. The
// registry write lock is held, so no allocation can race the move.
func (d *Distributor) migrate(jobID string, src, dst *device) bool {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	r := types.Reservation{}
	allocation := d.allocations[jobID]
	if allocation != nil {
		r = allocation.Reservations[src.caps.DeviceID]
	}

	target := dst.snapshot()
	if contains(target.State.AssignedJobs, jobID) || !fits(target.Capabilities, target.State, r) {
		return false
	}

	src.mu.Lock()
	src.state.AllocatedCPUCores = maxFloat(0, src.state.AllocatedCPUCores-r.CPUCores)
	src.state.AllocatedMemoryGB = maxFloat(0, src.state.AllocatedMemoryGB-r.MemoryGB)
	src.state.AllocatedGPUCount = max(0, src.state.AllocatedGPUCount-r.GPUCount)
	src.state.AssignedJobs = without(src.state.AssignedJobs, jobID)
	src.mu.Unlock()

	dst.mu.Lock()
	dst.state.AllocatedCPUCores += r.CPUCores
	dst.state.AllocatedMemoryGB += r.MemoryGB
	dst.state.AllocatedGPUCount += r.GPUCount
	dst.state.AssignedJobs = append(dst.state.AssignedJobs, jobID)
	dst.mu.Unlock()

	if allocation != nil {
		from, to := src.caps.DeviceID, dst.caps.DeviceID
		delete(allocation.Reservations, from)
		allocation.Reservations[to] = r
		for i, id := range allocation.AllocatedDevices {
			if id == from {
				allocation.AllocatedDevices[i] = to
			}
		}
		if chunk, ok := allocation.DataTransferPlan[from]; ok {
			delete(allocation.DataTransferPlan, from)
			allocation.DataTransferPlan[to] = chunk
		}
	}
	return true
}

// adjustLoad shifts the estimated load of a device until its next heartbeat
func adjustLoad(dev *device, delta float64) float64 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.state.CurrentLoad = minFloat(100, maxFloat(0, dev.state.CurrentLoad+delta))
	return dev.state.CurrentLoad
}

func activeStatus(s types.DeviceStatus) bool {
	switch s {
	case types.DeviceStatusOnline, types.DeviceStatusIdle, types.DeviceStatusBusy:
		return true
	default:
		return false
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
