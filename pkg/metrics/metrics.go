package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_jobs_submitted_total",
			Help: "Total number of jobs accepted by Submit, by initial status",
		},
		[]string{"status"},
	)

	JobsLeased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_jobs_leased_total",
			Help: "Total number of jobs leased to workers by priority",
		},
		[]string{"priority"},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_jobs_failed_total",
			Help: "Total number of jobs that failed terminally",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_jobs_retried_total",
			Help: "Total number of retries scheduled",
		},
	)

	JobsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_jobs_timed_out_total",
			Help: "Total number of leases that passed their deadline",
		},
	)

	JobsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_queue_depth",
			Help: "Number of queued jobs by priority",
		},
		[]string{"priority"},
	)

	JobsScheduled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_jobs_scheduled",
			Help: "Number of deferred jobs waiting for their run time",
		},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_jobs_running",
			Help: "Number of leased jobs",
		},
	)

	LeaseLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_lease_latency_seconds",
			Help:    "Time taken by GetNextJob in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_job_execution_seconds",
			Help:    "Job execution time from lease to completion in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"job_type"},
	)

	// Distributor metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_devices_total",
			Help: "Total number of devices by status",
		},
		[]string{"status"},
	)

	DeviceLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_device_load",
			Help: "Current load of a device (0-100)",
		},
		[]string{"device"},
	)

	ClusterLoadStdDev = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_cluster_load_stddev",
			Help: "Standard deviation of device load",
		},
	)

	AllocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_allocation_latency_seconds",
			Help:    "Time taken to compute an allocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_allocations_total",
			Help: "Allocation attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	MigrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_job_migrations_total",
			Help: "Total number of jobs migrated by the rebalancer",
		},
	)

	// Executor metrics
	ExecutorActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_executor_active_jobs",
			Help: "Number of jobs running on this executor",
		},
	)

	ExecutorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_executor_job_outcomes_total",
			Help: "Jobs finished by this executor by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsLeased)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsTimedOut)
	prometheus.MustRegister(JobsCancelled)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(LeaseLatency)
	prometheus.MustRegister(ExecutionTime)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(DeviceLoad)
	prometheus.MustRegister(ClusterLoadStdDev)
	prometheus.MustRegister(AllocationLatency)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(ExecutorActiveJobs)
	prometheus.MustRegister(ExecutorOutcomes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
