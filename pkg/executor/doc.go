// Package executor runs jobs on a worker. An Executor leases jobs from a
// JobSource within its concurrency and capability limits, runs them on
// the registered handlers, honors cancellation and timeouts, and reports
// each outcome back with bounded retries.
package executor
