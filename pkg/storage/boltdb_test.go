package storage

import (
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreDevices(t *testing.T) {
	s := newTestStore(t)

	devices := []*types.DeviceCapabilities{
		{DeviceID: "dev-1", CPUCores: 8, MemoryGB: 32, ReliabilityScore: 1},
		{DeviceID: "dev-2", CPUCores: 16, MemoryGB: 64, GPUCount: 2, ReliabilityScore: 0.9},
	}
	for _, d := range devices {
		require.NoError(t, s.SaveDevice(d))
	}

	got, err := s.GetDevice("dev-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.GPUCount)
	assert.Equal(t, 0.9, got.ReliabilityScore)

	list, err := s.ListDevices()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteDevice("dev-1"))
	_, err = s.GetDevice("dev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreResults(t *testing.T) {
	s := newTestStore(t)

	completed := time.Now().UTC().Truncate(time.Second)
	result := &types.JobResult{
		JobID:         "job-1",
		Status:        types.JobStatusCompleted,
		Result:        types.Payload{"rows": float64(42)},
		CompletedAt:   completed,
		ExecutionTime: 3 * time.Second,
		Attempts:      1,
		WorkerID:      "worker-1",
	}
	require.NoError(t, s.SaveResult(result))

	got, err := s.GetResult("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, float64(42), got.Result["rows"])
	assert.True(t, completed.Equal(got.CompletedAt))

	require.NoError(t, s.DeleteResult("job-1"))
	_, err = s.GetResult("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(&types.DeviceCapabilities{DeviceID: "dev-1", CPUCores: 4}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetDevice("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.CPUCores)
}
