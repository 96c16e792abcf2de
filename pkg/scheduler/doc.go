/*
Package scheduler composes the queue manager and the workload distributor
into one scheduler process.

A Scheduler owns a queue.Manager, a distributor.Distributor and an
events.Broker, starts their background loops under one errgroup, and
performs the hand-offs between the two halves:

  - When a job that declares CPU, memory or GPU requirements starts
    running, the distributor allocates it devices, trying the device of
    the leasing worker first. When the job leaves RUNNING the allocation
    is released and an allocation.released event is published.
  - When the distributor declares a device OFFLINE after missed
    heartbeats, the RUNNING jobs assigned to it have their leases released
    so the queue retries or fails them per their retry policy.
  - Worker heartbeats arriving on the store's heartbeat channel update
    device state, registering devices the first time they are heard from.
  - Device commands (remove, set status) published by operators, for
    example with "hive device remove", change the device registry.

# Loops

	┌──────────────────────── Scheduler ─────────────────────────┐
	│                                                             │
	│  queue.Run          scheduled promotion, timeouts, cleanup  │
	│  distributor.Run    health monitor, rebalancer              │
	│  events.Relay       store status channel ──► Broker         │
	│  handleEvents       RUNNING ──► SubmitJob, stop ──► Release │
	│  heartbeats         store heartbeat channel ──► devices     │
	│  commands           store command channel ──► devices       │
	│  watchStore         store probe, cluster report             │
	│  Collector          gauges                                  │
	└─────────────────────────────────────────────────────────────┘

Several scheduler processes may run against the same store. Every queue
loop claims its work atomically, so duplicated loops are safe. Device
state is per process.

# Usage

	sched, err := scheduler.New(store, archive, scheduler.Config{
		Queue:       queue.DefaultConfig(),
		Distributor: distributor.DefaultConfig(),
		Version:     version,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

# Cluster report

Every metrics interval the scheduler writes a types.ClusterReport to the
store. ReadReport lets other processes, such as the hive CLI, show
devices and queue depth without talking to the scheduler directly.
*/
package scheduler
