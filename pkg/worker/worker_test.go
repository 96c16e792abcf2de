package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/executor"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSampler struct {
	metrics types.DeviceMetrics
	err     error
}

func (s fixedSampler) Sample() (types.DeviceMetrics, error) {
	return s.metrics, s.err
}

func testDevice() types.DeviceInfo {
	return types.DeviceInfo{
		ID:              "edge-1",
		Hostname:        "edge-1.local",
		Zone:            "eu-west",
		CPUCores:        8,
		CPUFrequencyMHz: 2400,
		MemoryGB:        16,
		GPUCount:        1,
	}
}

func newTestWorker(t *testing.T, sampler Sampler) (*Worker, *queue.Manager, coord.Store) {
	t.Helper()
	store := coord.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewManager(store, nil, queue.DefaultConfig())
	require.NoError(t, err)

	exec := executor.DefaultConfig()
	exec.PollInterval = 5 * time.Millisecond
	exec.CancelPollInterval = 5 * time.Millisecond
	exec.ReportBackoff = time.Millisecond

	w, err := NewWorker(store, q, sampler, Config{
		Device:            testDevice(),
		HeartbeatInterval: 10 * time.Millisecond,
		Executor:          exec,
	})
	require.NoError(t, err)
	return w, q, store
}

func TestNewWorkerRequiresDeviceID(t *testing.T) {
	store := coord.NewMemoryStore()
	defer store.Close()
	q, err := queue.NewManager(store, nil, queue.DefaultConfig())
	require.NoError(t, err)

	_, err = NewWorker(store, q, nil, Config{})
	assert.Error(t, err)
}

func TestNewWorkerDerivesCapabilitiesFromDevice(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	assert.Equal(t, types.WorkerCapabilities{
		GPU:      true,
		GPUCount: 1,
		MemoryGB: 16,
		CPUCores: 8,
	}, w.Executor().Available())
}

func TestSendHeartbeat(t *testing.T) {
	sample := types.DeviceMetrics{CPUUtilization: 42, MemoryUtilization: 17}
	w, q, store := newTestWorker(t, fixedSampler{metrics: sample})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	beats, err := store.Subscribe(ctx, q.Keys().Heartbeats())
	require.NoError(t, err)

	require.NoError(t, w.SendHeartbeat(ctx))

	select {
	case msg := <-beats:
		var hb types.DeviceHeartbeat
		require.NoError(t, json.Unmarshal([]byte(msg), &hb))
		assert.Equal(t, testDevice(), hb.Device)
		assert.Equal(t, sample, hb.Metrics)
		assert.False(t, hb.SentAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no heartbeat published")
	}
}

func TestSendHeartbeatSurvivesSamplerError(t *testing.T) {
	w, q, store := newTestWorker(t, fixedSampler{err: errors.New("no /proc")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	beats, err := store.Subscribe(ctx, q.Keys().Heartbeats())
	require.NoError(t, err)

	require.NoError(t, w.SendHeartbeat(ctx))
	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat published")
	}
}

func TestRunExecutesJobsAndHeartbeats(t *testing.T) {
	w, q, store := newTestWorker(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	beats, err := store.Subscribe(ctx, q.Keys().Heartbeats())
	require.NoError(t, err)

	require.NoError(t, w.RegisterBuiltins(ctx))
	id, err := q.Submit(ctx, &types.JobDefinition{
		Type:     JobTypeEcho,
		Priority: types.PriorityNormal,
		Payload:  types.Payload{"msg": "hello"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := q.GetStatus(ctx, id)
		return err == nil && status == types.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	result, err := q.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Result["msg"])
	assert.Equal(t, "edge-1", result.WorkerID)

	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestEchoCopiesPayload(t *testing.T) {
	job := &types.JobDefinition{Payload: types.Payload{"a": 1.0, "b": "two"}}

	result, err := Echo(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, job.Payload, result)

	result["a"] = 3.0
	assert.Equal(t, 1.0, job.Payload["a"])
}

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		payload types.Payload
		want    string
		wantErr bool
	}{
		{name: "duration string", payload: types.Payload{"duration": "5ms"}, want: "5ms"},
		{name: "seconds", payload: types.Payload{"duration": 0.25}, want: "250ms"},
		{name: "missing", payload: types.Payload{}, wantErr: true},
		{name: "malformed", payload: types.Payload{"duration": "soon"}, wantErr: true},
		{name: "wrong type", payload: types.Payload{"duration": true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Sleep(context.Background(), &types.JobDefinition{Payload: tt.payload})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result["slept"])
		})
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sleep(ctx, &types.JobDefinition{Payload: types.Payload{"duration": "1h"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCPUPercentUsesDeltas(t *testing.T) {
	s := &ProcSampler{}

	s.cpuPercent(procfs.CPUStat{User: 10, Idle: 90})
	got := s.cpuPercent(procfs.CPUStat{User: 40, Idle: 160})
	assert.InDelta(t, 30.0, got, 0.001)

	// No time elapsed
	assert.Equal(t, 0.0, s.cpuPercent(procfs.CPUStat{User: 40, Idle: 160}))
}

func TestMemoryPercent(t *testing.T) {
	total, avail := uint64(16000), uint64(4000)
	assert.InDelta(t, 75.0, memoryPercent(procfs.Meminfo{MemTotal: &total, MemAvailable: &avail}), 0.001)
	assert.Equal(t, 0.0, memoryPercent(procfs.Meminfo{}))
}
