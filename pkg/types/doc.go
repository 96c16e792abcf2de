/*
Package types defines the core data structures used throughout Hive.

Jobs:
  - JobDefinition: what a producer submits, immutable once stored
  - Priority: CRITICAL through BACKGROUND, served in that order
  - JobStatus: the lifecycle states and Transition, the one function every
    status change goes through
  - JobResult, Assignment, StatusEvent, QueueStats

Devices:
  - DeviceInfo: what an operator or worker declares
  - DeviceCapabilities: the derived, slowly-changing facts (FLOPS,
    benchmark score, reliability)
  - DeviceState: load, utilization and reservation counters
  - DeviceHeartbeat, DeviceMetrics: what workers report
  - JobRequirements, JobAllocation, Reservation, DataChunk: the
    distributor's request and answer
  - ClusterStatus, ClusterReport: aggregates for metrics and the CLI

# Job lifecycle

	(new)      ─► PENDING | QUEUED | SCHEDULED
	PENDING    ─► QUEUED | SCHEDULED | CANCELLED
	QUEUED     ─► RUNNING | CANCELLED | FAILED
	SCHEDULED  ─► QUEUED | CANCELLED
	RUNNING    ─► COMPLETED | RETRYING | FAILED | TIMEOUT | CANCELLED
	RETRYING   ─► SCHEDULED | QUEUED
	TIMEOUT    ─► RETRYING | FAILED

COMPLETED, FAILED and CANCELLED are terminal. Transition returns
ErrInvalidTransition for any edge not in the table, including every edge
out of a terminal state.

All types serialize to JSON; Priority marshals as its lowercase name so it
can key JSON maps.
*/
package types
