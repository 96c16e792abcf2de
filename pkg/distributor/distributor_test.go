package distributor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/storage"
	"github.com/cuemby/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDistributor(t *testing.T, archive storage.Store) (*Distributor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	d, err := New(archive, cfg)
	require.NoError(t, err)
	return d, clock
}

func deviceInfo(id string, cores int, memGB float64, gpus int) types.DeviceInfo {
	return types.DeviceInfo{
		ID:                   id,
		CPUCores:             cores,
		CPUFrequencyMHz:      3000,
		MemoryGB:             memGB,
		GPUCount:             gpus,
		NetworkBandwidthMbps: 1000,
	}
}

func register(t *testing.T, d *Distributor, infos ...types.DeviceInfo) {
	t.Helper()
	for _, info := range infos {
		require.NoError(t, d.RegisterDevice(info))
	}
}

func TestRegisterDevice(t *testing.T) {
	d, clock := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 2))

	snap, err := d.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, snap.State.Status)
	assert.Equal(t, 1.0, snap.Capabilities.ReliabilityScore)
	assert.Equal(t, 8*3000*1e6*4+2*10e12, snap.Capabilities.FLOPS)
	assert.Equal(t, 24.0, snap.Capabilities.BenchmarkScore)
	assert.Equal(t, clock.Now(), snap.State.LastHeartbeat)
	assert.Zero(t, snap.State.AllocatedCPUCores)

	tests := []struct {
		name string
		info types.DeviceInfo
	}{
		{name: "missing id", info: deviceInfo("", 8, 32, 0)},
		{name: "no cores", info: deviceInfo("dev-x", 0, 32, 0)},
		{name: "no memory", info: deviceInfo("dev-x", 8, 0, 0)},
		{name: "negative gpus", info: deviceInfo("dev-x", 8, 32, -1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, d.RegisterDevice(tt.info), ErrInvalidDevice)
		})
	}

	_, err = d.GetDeviceMetrics("dev-x")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpdateDeviceState(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0))

	tests := []struct {
		name       string
		metrics    types.DeviceMetrics
		wantLoad   float64
		wantStatus types.DeviceStatus
	}{
		{
			name:       "idle",
			metrics:    types.DeviceMetrics{CPUUtilization: 10, MemoryUtilization: 10},
			wantLoad:   7,
			wantStatus: types.DeviceStatusIdle,
		},
		{
			name:       "online",
			metrics:    types.DeviceMetrics{CPUUtilization: 50, MemoryUtilization: 50, GPUUtilization: 50, NetworkUtilization: 50},
			wantLoad:   50,
			wantStatus: types.DeviceStatusOnline,
		},
		{
			name:       "busy",
			metrics:    types.DeviceMetrics{CPUUtilization: 100, MemoryUtilization: 100, GPUUtilization: 100, NetworkUtilization: 20},
			wantLoad:   92,
			wantStatus: types.DeviceStatusBusy,
		},
		{
			name:       "clamped",
			metrics:    types.DeviceMetrics{CPUUtilization: 500, MemoryUtilization: 500, GPUUtilization: 500, NetworkUtilization: 500},
			wantLoad:   100,
			wantStatus: types.DeviceStatusBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, d.UpdateDeviceState("dev-1", tt.metrics))
			snap, err := d.GetDeviceMetrics("dev-1")
			require.NoError(t, err)
			assert.InDelta(t, tt.wantLoad, snap.State.CurrentLoad, 1e-9)
			assert.Equal(t, tt.wantStatus, snap.State.Status)
		})
	}

	require.NoError(t, d.SetDeviceStatus("dev-1", types.DeviceStatusMaintenance))
	require.NoError(t, d.UpdateDeviceState("dev-1", types.DeviceMetrics{}))
	snap, err := d.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusMaintenance, snap.State.Status)

	assert.ErrorIs(t, d.UpdateDeviceState("missing", types.DeviceMetrics{}), ErrDeviceNotFound)
}

func TestAllocateStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy types.AllocationStrategy
		req      types.JobRequirements
		want     []string
	}{
		{
			name:     "first fit takes first device in registration order",
			strategy: types.StrategyFirstFit,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8},
			want:     []string{"large"},
		},
		{
			name:     "best fit minimizes leftover",
			strategy: types.StrategyBestFit,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8},
			want:     []string{"small"},
		},
		{
			name:     "best fit honors gpu",
			strategy: types.StrategyBestFit,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8, RequiresGPU: true},
			want:     []string{"gpu"},
		},
		{
			name:     "weighted round robin spreads until the share fits",
			strategy: types.StrategyWeightedRoundRobin,
			req:      types.JobRequirements{MinCPUCores: 48, MinMemoryGB: 96},
			want:     []string{"large", "gpu"},
		},
		{
			name:     "locality aware prefers the data zone",
			strategy: types.StrategyLocalityAware,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8, DataLocality: "eu-west"},
			want:     []string{"small"},
		},
		{
			name:     "locality aware without hint falls back to weight",
			strategy: types.StrategyLocalityAware,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8},
			want:     []string{"large"},
		},
		{
			name:     "excluded devices are skipped",
			strategy: types.StrategyFirstFit,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8, ExcludedDevices: []string{"large"}},
			want:     []string{"small"},
		},
		{
			name:     "preferred devices restrict the candidates",
			strategy: types.StrategyBestFit,
			req:      types.JobRequirements{MinCPUCores: 4, MinMemoryGB: 8, PreferredDevices: []string{"gpu"}},
			want:     []string{"gpu"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDistributor(t, nil)
			small := deviceInfo("small", 8, 16, 0)
			small.Zone = "eu-west"
			register(t, d,
				deviceInfo("large", 32, 128, 0),
				small,
				deviceInfo("gpu", 24, 64, 2),
			)

			req := tt.req
			req.JobID = "job-1"
			req.Strategy = tt.strategy
			allocation, err := d.Allocate(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, allocation.AllocatedDevices)
			assert.Equal(t, tt.strategy, allocation.Strategy)
			assert.Len(t, allocation.Reservations, len(tt.want))

			for _, id := range tt.want {
				snap, err := d.GetDeviceMetrics(id)
				require.NoError(t, err)
				assert.Contains(t, snap.State.AssignedJobs, "job-1")
				assertWithinCapacity(t, snap)
			}
		})
	}
}

func assertWithinCapacity(t *testing.T, snap types.DeviceSnapshot) {
	t.Helper()
	assert.LessOrEqual(t, snap.State.AllocatedCPUCores, float64(snap.Capabilities.CPUCores))
	assert.LessOrEqual(t, snap.State.AllocatedMemoryGB, snap.Capabilities.MemoryGB)
	assert.LessOrEqual(t, snap.State.AllocatedGPUCount, snap.Capabilities.GPUCount)
}

func TestAllocateInfeasible(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0), deviceInfo("dev-2", 8, 32, 0))
	require.NoError(t, d.SetDeviceStatus("dev-2", types.DeviceStatusBusy))

	for _, strategy := range []types.AllocationStrategy{
		types.StrategyFirstFit,
		types.StrategyBestFit,
		types.StrategyWeightedRoundRobin,
		types.StrategyLocalityAware,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			for _, req := range []types.JobRequirements{
				{JobID: "cpu", MinCPUCores: 12},
				{JobID: "mem", MinMemoryGB: 64},
				{JobID: "gpu", RequiresGPU: true},
			} {
				req.Strategy = strategy
				_, err := d.Allocate(req)
				assert.ErrorIs(t, err, ErrAllocationInfeasible, req.JobID)
			}
		})
	}

	status := d.GetClusterStatus()
	assert.Zero(t, status.ActiveAllocations)
	assert.Zero(t, status.AllocatedCPUCores)
}

func TestAllocateValidation(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0))

	tests := []struct {
		name string
		req  types.JobRequirements
	}{
		{name: "missing job id", req: types.JobRequirements{MinCPUCores: 1}},
		{name: "unknown strategy", req: types.JobRequirements{JobID: "j", Strategy: "random"}},
		{name: "negative cpu", req: types.JobRequirements{JobID: "j", MinCPUCores: -1}},
		{name: "negative devices", req: types.JobRequirements{JobID: "j", MaxDevices: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Allocate(tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequirements)
		})
	}

	_, err := d.Allocate(types.JobRequirements{JobID: "dup", MinCPUCores: 1})
	require.NoError(t, err)
	_, err = d.Allocate(types.JobRequirements{JobID: "dup", MinCPUCores: 1})
	assert.ErrorIs(t, err, ErrInvalidRequirements)
}

func TestAllocatePlanAndCheckpoint(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0), deviceInfo("dev-2", 8, 32, 0))

	allocation, err := d.Allocate(types.JobRequirements{
		JobID:             "train",
		MinCPUCores:       12,
		MinMemoryGB:       16,
		MaxDevices:        2,
		DataSizeGB:        10,
		EstimatedDuration: 2 * time.Hour,
		Strategy:          types.StrategyWeightedRoundRobin,
	})
	require.NoError(t, err)
	require.Len(t, allocation.AllocatedDevices, 2)

	assert.True(t, allocation.CheckpointEnabled)
	assert.Equal(t, 5*time.Minute, allocation.CheckpointInterval)
	for i, id := range allocation.AllocatedDevices {
		assert.Equal(t, types.Reservation{CPUCores: 6, MemoryGB: 8}, allocation.Reservations[id])
		assert.Equal(t, types.DataChunk{Index: i, OffsetGB: float64(i) * 5, SizeGB: 5}, allocation.DataTransferPlan[id])
	}

	short, err := d.Allocate(types.JobRequirements{JobID: "short", MinCPUCores: 1, EstimatedDuration: time.Minute})
	require.NoError(t, err)
	assert.False(t, short.CheckpointEnabled)
	assert.Empty(t, short.DataTransferPlan)
}

func TestConcurrentAllocateNeverOversubscribes(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 16, 64, 0), deviceInfo("dev-2", 16, 64, 0))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Allocate(types.JobRequirements{
				JobID:       fmt.Sprintf("job-%d", i),
				MinCPUCores: 4,
				MinMemoryGB: 8,
				Strategy:    types.StrategyFirstFit,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, succeeded)
	for _, snap := range d.ListDevices() {
		assertWithinCapacity(t, snap)
		assert.Equal(t, 16.0, snap.State.AllocatedCPUCores)
	}
}

func TestSubmitJobPrefersWorkerDevice(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("big", 16, 64, 0), deviceInfo("edge", 4, 8, 0))

	job := func(id string, cores, memGB float64) *types.JobDefinition {
		return &types.JobDefinition{ID: id, Type: "train", RequiredCPUCores: cores, RequiredMemoryGB: memGB}
	}

	tests := []struct {
		name   string
		job    *types.JobDefinition
		device string
		want   []string
	}{
		{name: "runs on the worker device", job: job("job-1", 2, 4), device: "big", want: []string{"big"}},
		{name: "small device when it fits", job: job("job-2", 2, 4), device: "edge", want: []string{"edge"}},
		{name: "falls back when the worker device is full", job: job("job-3", 4, 8), device: "edge", want: []string{"big"}},
		{name: "unknown worker device", job: job("job-4", 1, 1), device: "laptop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocation, err := d.SubmitJob(tt.job, tt.device)
			require.NoError(t, err)
			if tt.want != nil {
				assert.Equal(t, tt.want, allocation.AllocatedDevices)
			}
			assert.Equal(t, tt.job.ID, allocation.JobID)
		})
	}

	_, err := d.SubmitJob(job("job-5", 64, 8), "big")
	assert.ErrorIs(t, err, ErrAllocationInfeasible)
}

func TestRelease(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 1))

	_, err := d.Allocate(types.JobRequirements{JobID: "job-1", MinCPUCores: 8, MinMemoryGB: 32, RequiresGPU: true})
	require.NoError(t, err)
	_, err = d.Allocate(types.JobRequirements{JobID: "job-2", MinCPUCores: 1})
	assert.ErrorIs(t, err, ErrAllocationInfeasible)

	_, ok := d.GetAllocation("job-1")
	assert.True(t, ok)
	assert.True(t, d.Release("job-1"))
	assert.False(t, d.Release("job-1"))

	snap, err := d.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Zero(t, snap.State.AllocatedCPUCores)
	assert.Zero(t, snap.State.AllocatedGPUCount)
	assert.Empty(t, snap.State.AssignedJobs)

	_, err = d.Allocate(types.JobRequirements{JobID: "job-2", MinCPUCores: 1})
	assert.NoError(t, err)
}

func TestCheckHeartbeats(t *testing.T) {
	d, clock := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0), deviceInfo("dev-2", 8, 32, 0))

	_, err := d.Allocate(types.JobRequirements{JobID: "job-1", MinCPUCores: 2, PreferredDevices: []string{"dev-1"}})
	require.NoError(t, err)

	var (
		lostDevice string
		lostJobs   []string
	)
	d.OnDeviceLost(func(deviceID string, jobIDs []string) {
		lostDevice, lostJobs = deviceID, jobIDs
	})

	clock.Advance(20 * time.Second)
	require.NoError(t, d.UpdateDeviceState("dev-2", types.DeviceMetrics{CPUUtilization: 50}))
	assert.Empty(t, d.CheckHeartbeats())

	clock.Advance(15 * time.Second)
	assert.Equal(t, []string{"dev-1"}, d.CheckHeartbeats())
	assert.Equal(t, "dev-1", lostDevice)
	assert.Equal(t, []string{"job-1"}, lostJobs)

	snap, err := d.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOffline, snap.State.Status)

	// Offline devices are reported once and no longer receive work
	assert.Empty(t, d.CheckHeartbeats())
	_, err = d.Allocate(types.JobRequirements{JobID: "job-2", MinCPUCores: 1, PreferredDevices: []string{"dev-1"}})
	assert.ErrorIs(t, err, ErrAllocationInfeasible)

	// A heartbeat brings the device back
	require.NoError(t, d.UpdateDeviceState("dev-1", types.DeviceMetrics{CPUUtilization: 50}))
	snap, err = d.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, snap.State.Status)
}

func TestRebalanceLoad(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d,
		deviceInfo("hot", 64, 256, 0),
		deviceInfo("cold", 64, 256, 0),
		deviceInfo("warm", 64, 256, 0),
	)

	for i := 0; i < 3; i++ {
		_, err := d.Allocate(types.JobRequirements{
			JobID:            fmt.Sprintf("job-%d", i),
			MinCPUCores:      2,
			PreferredDevices: []string{"hot"},
		})
		require.NoError(t, err)
	}

	require.NoError(t, d.UpdateDeviceState("hot", types.DeviceMetrics{CPUUtilization: 100, MemoryUtilization: 100, GPUUtilization: 100, NetworkUtilization: 100}))
	require.NoError(t, d.UpdateDeviceState("cold", types.DeviceMetrics{CPUUtilization: 50}))
	require.NoError(t, d.UpdateDeviceState("warm", types.DeviceMetrics{CPUUtilization: 100, MemoryUtilization: 100}))

	status := d.GetClusterStatus()
	require.Greater(t, status.LoadStdDev, 20.0)

	migrations := d.MaybeRebalance()
	require.Len(t, migrations, 2)
	for _, m := range migrations {
		assert.Equal(t, "hot", m.From)
		assert.Equal(t, "cold", m.To)
	}

	hot, err := d.GetDeviceMetrics("hot")
	require.NoError(t, err)
	cold, err := d.GetDeviceMetrics("cold")
	require.NoError(t, err)
	assert.Len(t, hot.State.AssignedJobs, 1)
	assert.Len(t, cold.State.AssignedJobs, 2)
	assert.Equal(t, 2.0, hot.State.AllocatedCPUCores)
	assert.Equal(t, 4.0, cold.State.AllocatedCPUCores)
	assert.InDelta(t, 80, hot.State.CurrentLoad, 1e-9)
	assert.InDelta(t, 40, cold.State.CurrentLoad, 1e-9)

	allocation, ok := d.GetAllocation(migrations[0].JobID)
	require.True(t, ok)
	assert.Equal(t, []string{"cold"}, allocation.AllocatedDevices)
}

func TestRebalanceSkipsBalancedCluster(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("a", 8, 32, 0), deviceInfo("b", 8, 32, 0))
	require.NoError(t, d.UpdateDeviceState("a", types.DeviceMetrics{CPUUtilization: 50}))
	require.NoError(t, d.UpdateDeviceState("b", types.DeviceMetrics{CPUUtilization: 60}))

	assert.Empty(t, d.MaybeRebalance())
}

func TestDevicePersistence(t *testing.T) {
	archive, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	d, _ := newTestDistributor(t, archive)
	register(t, d, deviceInfo("dev-1", 8, 32, 0), deviceInfo("dev-2", 4, 16, 0))
	require.NoError(t, d.RemoveDevice("dev-2"))
	assert.ErrorIs(t, d.RemoveDevice("dev-2"), ErrDeviceNotFound)

	restarted, _ := newTestDistributor(t, archive)
	n, err := restarted.LoadDevices()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := restarted.GetDeviceMetrics("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOffline, snap.State.Status)
	assert.Equal(t, 8, snap.Capabilities.CPUCores)
}

func TestRemoveDeviceWithJobs(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("dev-1", 8, 32, 0))
	_, err := d.Allocate(types.JobRequirements{JobID: "job-1", MinCPUCores: 1})
	require.NoError(t, err)

	assert.Error(t, d.RemoveDevice("dev-1"))
	d.Release("job-1")
	assert.NoError(t, d.RemoveDevice("dev-1"))
	assert.Empty(t, d.ListDevices())
}

func TestGetClusterStatus(t *testing.T) {
	d, _ := newTestDistributor(t, nil)
	register(t, d, deviceInfo("a", 8, 32, 1), deviceInfo("b", 16, 64, 0))
	require.NoError(t, d.UpdateDeviceState("a", types.DeviceMetrics{CPUUtilization: 50}))
	require.NoError(t, d.UpdateDeviceState("b", types.DeviceMetrics{CPUUtilization: 100}))
	_, err := d.Allocate(types.JobRequirements{JobID: "job-1", MinCPUCores: 4, MinMemoryGB: 8, RequiresGPU: true})
	require.NoError(t, err)

	status := d.GetClusterStatus()
	assert.Equal(t, 2, status.TotalDevices)
	assert.Equal(t, 24.0, status.TotalCPUCores)
	assert.Equal(t, 96.0, status.TotalMemoryGB)
	assert.Equal(t, 1, status.TotalGPUs)
	assert.Equal(t, 4.0, status.AllocatedCPUCores)
	assert.Equal(t, 1, status.AllocatedGPUs)
	assert.Equal(t, 1, status.ActiveAllocations)
	assert.Equal(t, 1, status.AssignedJobs)
	assert.InDelta(t, 30, status.MeanLoad, 1e-9)
	assert.InDelta(t, 10, status.LoadStdDev, 1e-9)
}
