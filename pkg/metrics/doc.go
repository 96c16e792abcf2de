/*
Package metrics provides Prometheus metrics collection and exposition for Hive.

All metrics are registered on the default Prometheus registry at package
init and served by Handler. The package also carries the process health
state behind the /health and /ready endpoints, a Timer helper for latency
histograms, and a Collector that samples gauges which no single code path
owns.

# Architecture

	┌──────────────── METRICS SYSTEM ─────────────────┐
	│                                                  │
	│  queue.Manager ──► counters, lease latency       │
	│  distributor  ───► allocation latency, outcomes  │
	│  executor     ───► active jobs, outcomes         │
	│                                                  │
	│  Collector (every interval)                      │
	│   - queue depth per priority                     │
	│   - scheduled / running jobs                     │
	│   - devices by status, per-device load, stddev   │
	│                     │                            │
	│                     ▼                            │
	│        Prometheus DefaultRegistry                │
	│                     │                            │
	│        /metrics  /health  /ready                 │
	└──────────────────────────────────────────────────┘

# Metrics Catalog

Queue:

	hive_jobs_submitted_total{status}        counter
	hive_jobs_leased_total{priority}         counter
	hive_jobs_completed_total                counter
	hive_jobs_failed_total                   counter   terminal failures only
	hive_jobs_retried_total                  counter
	hive_jobs_timed_out_total                counter
	hive_jobs_cancelled_total                counter
	hive_queue_depth{priority}               gauge
	hive_jobs_scheduled                      gauge
	hive_jobs_running                        gauge
	hive_lease_latency_seconds               histogram
	hive_job_execution_seconds{job_type}     histogram

Distributor:

	hive_devices_total{status}               gauge
	hive_device_load{device}                 gauge
	hive_cluster_load_stddev                 gauge
	hive_allocation_latency_seconds{strategy}        histogram
	hive_allocations_total{strategy,outcome}         counter
	hive_job_migrations_total                counter

Executor:

	hive_executor_active_jobs                gauge
	hive_executor_job_outcomes_total{outcome}        counter

# Timing

	timer := metrics.NewTimer()
	alloc, err := d.allocate(req)
	timer.ObserveDurationVec(metrics.AllocationLatency, string(strategy))

# Health

Components report through UpdateComponent and ReportError. GetHealth is
healthy while no component is failing; GetReadiness additionally requires
each of CriticalComponents (store, queue, distributor) to have reported
healthy at least once.
*/
package metrics
