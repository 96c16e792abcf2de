/*
Package queue implements the Hive job queue manager: priority queues,
exactly-once leasing, retries, timeouts, scheduling, dependencies and
cancellation on top of a coord.Store.

All shared state lives in the coordination store, so any number of
Manager instances in any number of processes may serve the same queue.
Each Manager keeps only a bounded LRU cache of immutable job definitions
and the handlers registered in its own process.

# Key schema

	<prefix>job:<id>:definition   JSON JobDefinition
	<prefix>job:<id>:status       JobStatus, changed only by compare-and-swap
	<prefix>job:<id>:result       JSON JobResult
	<prefix>job:<id>:assignment   JSON lease record while RUNNING
	<prefix>job:<id>:lease        worker id, expires with the job timeout
	<prefix>job:<id>:attempts     failed attempt counter
	<prefix>job:<id>:cancel       cancellation flag
	<prefix>job:<id>:dependents   jobs waiting on <id>
	<prefix>queue:<priority>      FIFO list per priority
	<prefix>jobs:scheduled        sorted set by run time
	<prefix>jobs:timeouts         sorted set by lease deadline
	<prefix>jobs:finished         sorted set by completion time
	<prefix>handlers              job types some worker serves
	<prefix>events                status change channel

# Leasing

GetNextJob walks the priorities from CRITICAL to BACKGROUND and pages
through each list in order. Jobs the worker cannot run (GPU, memory or
CPU) are skipped and keep their position. A candidate is claimed by
removing it from the list; only the caller whose remove succeeds moves
the job from QUEUED to RUNNING, so each queued job is leased at most once
even with many concurrent workers. The assignment and the timeout are
written before the status changes, so a RUNNING job always has both. A job whose deadline has already passed
is failed with "deadline exceeded" instead of leased.

# Retries and timeouts

	RUNNING ──fail──► RETRYING ──delay 0──► QUEUED
	                      └────delay d────► SCHEDULED at now + d*attempts

MaxRetries bounds the total number of attempts. Once exhausted the job
becomes FAILED. The timeout loop sweeps jobs whose lease deadline passed
and, once the store has expired their lease key, moves them from RUNNING
to TIMEOUT and then through the same retry decision. An entry whose
handling fails is put back for the next pass.

Every status change is a compare-and-swap from the expected status, so a
job that completes while its timeout is being processed ends in exactly
one of the two outcomes.

# Dependencies

A job with DependsOn starts PENDING and is released to its queue, or to
the schedule, once every dependency has COMPLETED. A dependency that
ends FAILED or CANCELLED leaves its dependents PENDING until they are
cancelled. Unknown dependency ids count as unmet.

# Background loops

Run drives three loops until its context is cancelled:

  - ProcessScheduled promotes due SCHEDULED jobs to QUEUED
  - CheckTimeouts expires overdue leases
  - Cleanup archives and prunes terminal jobs older than Retention
*/
package queue
