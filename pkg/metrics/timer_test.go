package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_allocation_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(histogramVec, "best_fit")
	timer.ObserveDurationVec(histogramVec, "best_fit")

	assert.Equal(t, 1, testutil.CollectAndCount(histogramVec))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsCompleted)
	JobsCompleted.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JobsCompleted))
}
