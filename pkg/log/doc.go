/*
Package log provides structured logging for Hive using zerolog.

The log package wraps zerolog with a package-level logger, configurable
levels, and child loggers that carry the identifiers the scheduler works
with: jobs, devices, and workers.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Console output is used when JSONOutput is false and is the better fit for
local development.

# Child Loggers

	logger := log.WithComponent("queue")
	logger.Info().Str("job_id", id).Msg("job submitted")

	jobLog := log.WithJobID(id)
	jobLog.Warn().Int("attempt", n).Msg("job failed, retry scheduled")

	devLog := log.WithDeviceID("gpu-node-3")
	devLog.Warn().Msg("device offline")

Background loops log swallowed errors at error level and keep running.
State transitions are logged at debug level.
*/
package log
