package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next n calls of an operation on keys with a suffix.
// Failures are keyed "op:suffix", e.g. "get:assignment" or "cas:retrying"
// (compare-and-swap matches on the new value).
type flakyStore struct {
	*coord.MemoryStore

	mu    sync.Mutex
	fails map[string]int
}

func (s *flakyStore) failNext(op, suffix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[op+":"+suffix] += n
}

func (s *flakyStore) shouldFail(op, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range s.fails {
		o, suffix, _ := strings.Cut(k, ":")
		if o == op && n > 0 && strings.HasSuffix(key, suffix) {
			s.fails[k] = n - 1
			return true
		}
	}
	return false
}

func (s *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if s.shouldFail("get", key) {
		return "", errStoreDown
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.shouldFail("set", key) {
		return errStoreDown
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func (s *flakyStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if s.shouldFail("zadd", key) {
		return errStoreDown
	}
	return s.MemoryStore.ZAdd(ctx, key, member, score)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	if s.shouldFail("cas", value) {
		return false, errStoreDown
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, old, value)
}

func newFlakyEnv(t *testing.T) (*testEnv, *flakyStore) {
	t.Helper()
	clock := newFakeClock()
	mem := coord.NewMemoryStore()
	mem.SetClock(clock.Now)
	t.Cleanup(func() { _ = mem.Close() })
	store := &flakyStore{MemoryStore: mem, fails: make(map[string]int)}

	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.BatchSize = 4

	m, err := NewManager(store, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, m.RegisterHandler(context.Background(), "echo", func(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
		return job.Payload, nil
	}))
	return &testEnv{m: m, store: mem, clock: clock}, store
}

func TestCheckTimeoutsRetriesAfterStoreError(t *testing.T) {
	env, store := newFlakyEnv(t)
	ctx := context.Background()

	id := env.submit(t, types.JobDefinition{MaxRetries: 1, Timeout: time.Second})
	job, err := env.m.GetNextJob(ctx, "worker-1", anyWorker)
	require.NoError(t, err)
	require.NotNil(t, job)

	store.failNext("get", "assignment", 1)
	env.clock.Advance(2 * time.Second)
	n, err := env.m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.JobStatusRunning, env.status(t, id))

	env.clock.Advance(env.m.cfg.TimeoutCheckInterval)
	n, err = env.m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.JobStatusFailed, env.status(t, id))
}

func TestCheckTimeoutsResumesInterruptedPass(t *testing.T) {
	env, store := newFlakyEnv(t)
	ctx := context.Background()

	id := env.submit(t, types.JobDefinition{MaxRetries: 2, Timeout: time.Second})
	_, err := env.m.GetNextJob(ctx, "worker-1", anyWorker)
	require.NoError(t, err)

	// The job reaches TIMEOUT but the retry transition fails
	store.failNext("cas", string(types.JobStatusRetrying), 1)
	env.clock.Advance(2 * time.Second)
	n, err := env.m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, types.JobStatusTimeout, env.status(t, id))

	env.clock.Advance(env.m.cfg.TimeoutCheckInterval)
	n, err = env.m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.JobStatusQueued, env.status(t, id))
}

func TestLeaseArmsTimeoutBeforeRunning(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		suffix string
	}{
		{name: "assignment write fails", op: "set", suffix: "assignment"},
		{name: "timeout arm fails", op: "zadd", suffix: "timeouts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, store := newFlakyEnv(t)
			ctx := context.Background()

			id := env.submit(t, types.JobDefinition{Timeout: time.Second})
			store.failNext(tt.op, tt.suffix, 1)

			job, err := env.m.GetNextJob(ctx, "worker-1", anyWorker)
			assert.ErrorIs(t, err, errStoreDown)
			assert.Nil(t, job)
			assert.Equal(t, types.JobStatusQueued, env.status(t, id))

			// The job stays leasable and its timeout fires
			job, err = env.m.GetNextJob(ctx, "worker-1", anyWorker)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, id, job.ID)

			env.clock.Advance(2 * time.Second)
			n, err := env.m.CheckTimeouts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}
