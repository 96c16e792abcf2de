package coord

import (
	"fmt"

	"github.com/cuemby/hive/pkg/types"
)

// DefaultPrefix namespaces every key the scheduler writes
const DefaultPrefix = "hive:"

// Keys builds the shared-store key schema. Any adapter honoring Store and
// these names interoperates with other scheduler instances.
type Keys struct {
	prefix string
}

// NewKeys returns the key schema under prefix
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) job(id, suffix string) string {
	return fmt.Sprintf("%sjob:%s:%s", k.prefix, id, suffix)
}

// Definition holds the JSON JobDefinition
func (k Keys) Definition(id string) string { return k.job(id, "definition") }

// Status holds the current JobStatus
func (k Keys) Status(id string) string { return k.job(id, "status") }

// Result holds the JSON JobResult
func (k Keys) Result(id string) string { return k.job(id, "result") }

// Assignment holds the JSON lease record
func (k Keys) Assignment(id string) string { return k.job(id, "assignment") }

// Lease exists while a lease is within its timeout; the store expires it
func (k Keys) Lease(id string) string { return k.job(id, "lease") }

// Attempts is the atomic attempt counter
func (k Keys) Attempts(id string) string { return k.job(id, "attempts") }

// Cancel is the cooperative cancellation flag
func (k Keys) Cancel(id string) string { return k.job(id, "cancel") }

// Dependents is the set of jobs waiting on id
func (k Keys) Dependents(id string) string { return k.job(id, "dependents") }

// Queue is the FIFO list for one priority level
func (k Keys) Queue(p types.Priority) string {
	return fmt.Sprintf("%squeue:%s", k.prefix, p)
}

// Scheduled is the sorted set of deferred jobs scored by run time
func (k Keys) Scheduled() string { return k.prefix + "jobs:scheduled" }

// Timeouts is the sorted set of leased jobs scored by lease deadline. It
// indexes the sweep; the Lease key decides whether a lease has expired.
func (k Keys) Timeouts() string { return k.prefix + "jobs:timeouts" }

// Finished is the sorted set of terminal jobs scored by completion time
func (k Keys) Finished() string { return k.prefix + "jobs:finished" }

// Handlers is the set of job types some worker can execute
func (k Keys) Handlers() string { return k.prefix + "handlers" }

// Events is the pub/sub channel for status changes
func (k Keys) Events() string { return k.prefix + "events" }

// Heartbeats is the pub/sub channel workers report device metrics on
func (k Keys) Heartbeats() string { return k.prefix + "devices:heartbeats" }

// DeviceCommands is the pub/sub channel operators manage devices on
func (k Keys) DeviceCommands() string { return k.prefix + "devices:commands" }

// ClusterReport holds the latest JSON ClusterReport
func (k Keys) ClusterReport() string { return k.prefix + "cluster:report" }
