/*
Package distributor places jobs on a pool of heterogeneous devices.

The Distributor keeps an in-memory registry of devices with their
capabilities, live utilization and reservations. Allocate picks one or
more devices for a job according to an AllocationStrategy, reserves their
resources and returns a JobAllocation with a data partitioning plan;
Release returns the reservation.

# Strategies

	first_fit        first suitable device in registration order
	best_fit         suitable device with the least spare capacity
	weighted_round_robin
	                 spreads work across up to MaxDevices devices,
	                 preferring high benchmark score, low load and
	                 high reliability
	locality_aware   like weighted, ordered by distance to the
	                 request's preferred device, host or zone

A device is suitable when it is ONLINE or IDLE and its unreserved CPU,
memory and GPUs cover the request's share. Requests that no set of
devices can satisfy fail with ErrAllocationInfeasible.

# Concurrency

Allocate plans on snapshots, then locks the chosen devices in id order,
re-checks them and reserves. If a device changed underneath, planning is
retried. Two concurrent allocations can never oversubscribe a device.

Lock order is registry, then allocations, then device.

# Health and rebalancing

Run drives the health monitor and the rebalancer. Devices silent for
longer than HeartbeatTimeout are marked OFFLINE and reported to the
OnDeviceLost callback with their assigned jobs. When the standard
deviation of device load exceeds LoadStdDevThreshold, jobs are migrated
from devices loaded above the mean to devices below it, at most
MaxMigrationsPerDevice per device per pass.
*/
package distributor
