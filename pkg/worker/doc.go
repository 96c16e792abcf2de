/*
Package worker implements the hive worker node that executes jobs.

A worker is the data plane of hive. It leases jobs from the shared queue
through an executor, runs them on locally registered handlers, and
reports the device it runs on to the scheduler.

# Architecture

	┌──────────────────── WORKER NODE ────────────────────┐
	│                                                      │
	│  ┌────────────────┐        ┌──────────────────────┐  │
	│  │ Heartbeat loop │        │      Executor        │  │
	│  │ - Sampler      │        │ - lease / complete   │  │
	│  │ - DeviceInfo   │        │ - cancel watcher     │  │
	│  └───────┬────────┘        └──────────┬───────────┘  │
	│          │                            │              │
	└──────────┼────────────────────────────┼──────────────┘
	           │ publish                    │ lease
	           ▼                            ▼
	   devices:heartbeats            coordination store

Each heartbeat carries the full DeviceInfo, so the scheduler registers a
device the first time it hears from it and revives it after an outage.

# Handlers

Echo and Sleep are always available through RegisterBuiltins. Other job
types are added with Register before Run:

	w, err := worker.NewWorker(store, q, sampler, cfg)
	if err != nil {
		return err
	}
	if err := w.RegisterBuiltins(ctx); err != nil {
		return err
	}
	return w.Run(ctx)

Registering a handler also advertises its job type in the store, which
is what lets Submit accept jobs of that type.

# Metrics

ProcSampler reads /proc through prometheus/procfs. CPU utilization is the
busy share between two samples; memory utilization is derived from
MemAvailable. GPU, disk and network utilization are reported as zero.
*/
package worker
