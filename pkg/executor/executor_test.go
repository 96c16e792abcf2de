package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, store coord.Store) *queue.Manager {
	t.Helper()
	m, err := queue.NewManager(store, nil, queue.DefaultConfig())
	require.NoError(t, err)
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.Capabilities = types.WorkerCapabilities{CPUCores: 8, MemoryGB: 16}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.CancelPollInterval = 5 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	cfg.ReportBackoff = time.Millisecond
	return cfg
}

// startExecutor runs e until the returned stop function is called
func startExecutor(t *testing.T, e *Executor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("executor did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func submit(t *testing.T, m *queue.Manager, def types.JobDefinition) string {
	t.Helper()
	id, err := m.Submit(context.Background(), &def)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, m *queue.Manager, id string, want types.JobStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		status, err := m.GetStatus(context.Background(), id)
		return err == nil && status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.WorkerID = ""
	_, err = New(newManager(t, coord.NewMemoryStore()), cfg)
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	e, err := New(newManager(t, coord.NewMemoryStore()), Config{WorkerID: "worker-1"})
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.MaxConcurrentJobs, e.cfg.MaxConcurrentJobs)
	assert.Equal(t, def.PollInterval, e.cfg.PollInterval)
	assert.Equal(t, def.ReportRetries, e.cfg.ReportRetries)
	assert.Equal(t, def.ReportBackoff, e.cfg.ReportBackoff)
}

func TestExecutorCompletesJobs(t *testing.T) {
	m := newManager(t, coord.NewMemoryStore())
	require.NoError(t, m.RegisterHandler(context.Background(), "double", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		n, _ := job.Payload["n"].(float64)
		return types.Payload{"result": n * 2}, nil
	}))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, m, types.JobDefinition{Type: "double", Priority: types.PriorityNormal, Payload: types.Payload{"n": float64(i)}}))
	}

	e, err := New(m, testConfig())
	require.NoError(t, err)
	startExecutor(t, e)

	for i, id := range ids {
		waitForStatus(t, m, id, types.JobStatusCompleted)
		result, err := m.GetResult(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, float64(i*2), result.Result["result"])
		assert.Equal(t, "worker-1", result.WorkerID)
	}
}

func TestExecutorReportsFailures(t *testing.T) {
	m := newManager(t, coord.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.RegisterHandler(ctx, "broken", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		return nil, errors.New("disk full")
	}))
	require.NoError(t, m.RegisterHandler(ctx, "panics", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		panic("nil map")
	}))

	broken := submit(t, m, types.JobDefinition{Type: "broken", MaxRetries: 2})
	panics := submit(t, m, types.JobDefinition{Type: "panics", MaxRetries: 1})

	e, err := New(m, testConfig())
	require.NoError(t, err)
	startExecutor(t, e)

	waitForStatus(t, m, broken, types.JobStatusFailed)
	result, err := m.GetResult(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, "disk full", result.Error)
	assert.Equal(t, 2, result.Attempts)

	waitForStatus(t, m, panics, types.JobStatusFailed)
	result, err = m.GetResult(ctx, panics)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "handler panic: nil map")
}

func TestExecutorMissingHandler(t *testing.T) {
	store := coord.NewMemoryStore()
	producer := newManager(t, store)
	require.NoError(t, producer.RegisterHandler(context.Background(), "elsewhere", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		return nil, nil
	}))
	id := submit(t, producer, types.JobDefinition{Type: "elsewhere", MaxRetries: 1})

	consumer := newManager(t, store)
	e, err := New(consumer, testConfig())
	require.NoError(t, err)
	startExecutor(t, e)

	waitForStatus(t, producer, id, types.JobStatusFailed)
	result, err := producer.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "no handler registered")
}

func TestExecutorConcurrencyLimit(t *testing.T) {
	m := newManager(t, coord.NewMemoryStore())
	release := make(chan struct{})
	var active, peak int32
	require.NoError(t, m.RegisterHandler(context.Background(), "block", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, m, types.JobDefinition{Type: "block"}))
	}

	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2
	e, err := New(m, cfg)
	require.NoError(t, err)
	startExecutor(t, e)

	assert.Eventually(t, func() bool { return len(e.Running()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, e.Running(), 2)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queued[types.PriorityCritical])

	close(release)
	for _, id := range ids {
		waitForStatus(t, m, id, types.JobStatusCompleted)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutorHonorsCancellation(t *testing.T) {
	m := newManager(t, coord.NewMemoryStore())
	started := make(chan struct{}, 1)
	require.NoError(t, m.RegisterHandler(context.Background(), "wait", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	id := submit(t, m, types.JobDefinition{Type: "wait", MaxRetries: 3})

	e, err := New(m, testConfig())
	require.NoError(t, err)
	startExecutor(t, e)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	ok, err := m.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	waitForStatus(t, m, id, types.JobStatusCancelled)
	assert.Eventually(t, func() bool { return len(e.Running()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecutorShutdownGrace(t *testing.T) {
	m := newManager(t, coord.NewMemoryStore())
	ctx := context.Background()
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	require.NoError(t, m.RegisterHandler(ctx, "stuck", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		<-stuck
		return nil, nil
	}))
	require.NoError(t, m.RegisterHandler(ctx, "quick", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		return types.Payload{"ok": true}, nil
	}))

	stuckID := submit(t, m, types.JobDefinition{Type: "stuck", MaxRetries: 1})
	quickID := submit(t, m, types.JobDefinition{Type: "quick", Priority: types.PriorityHigh})

	cfg := testConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	e, err := New(m, cfg)
	require.NoError(t, err)
	stop := startExecutor(t, e)

	waitForStatus(t, m, quickID, types.JobStatusCompleted)
	waitForStatus(t, m, stuckID, types.JobStatusRunning)
	stop()

	status, err := m.GetStatus(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, status)
	result, err := m.GetResult(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, ShutdownReason, result.Error)
	assert.Empty(t, e.Running())
}

func TestAvailableCapabilities(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities = types.WorkerCapabilities{CPUCores: 8, MemoryGB: 16, GPU: true, GPUCount: 1}
	e, err := New(newManager(t, coord.NewMemoryStore()), cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.Capabilities, e.Available())

	e.running["a"] = &runningJob{job: &types.JobDefinition{RequiredCPUCores: 4, RequiredMemoryGB: 2, RequiresGPU: true}}
	e.running["b"] = &runningJob{job: &types.JobDefinition{}}

	assert.Equal(t, types.WorkerCapabilities{CPUCores: 3, MemoryGB: 13, GPU: false, GPUCount: 0}, e.Available())

	e.running["c"] = &runningJob{job: &types.JobDefinition{RequiredCPUCores: 16, RequiredMemoryGB: 32}}
	caps := e.Available()
	assert.Zero(t, caps.CPUCores)
	assert.Zero(t, caps.MemoryGB)
}
