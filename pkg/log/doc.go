/*
Package log provides structured logging for tx using zerolog.

The package wraps zerolog behind a small global facade: Init configures
level and output once at startup, WithComponent hands each subsystem a
child logger tagged with its name, and the WithTaskID/WithRunID/
WithWorkerID helpers attach the ids that tie log lines to entities.

# Usage

Initialization (once, at startup):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("claim")
	logger.Info().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Msg("claim acquired")

Error logging:

	logger.Error().Err(err).Str("run_id", runID).Msg("reap failed")

# Conventions

  - Every service holds a zerolog.Logger built via WithComponent at
    construction time
  - Entity ids always use the typed field names task_id, run_id,
    worker_id, claim_id, learning_id
  - Errors attach via Err(err), never by formatting into the message
  - JSON output is for production; console output is for development

# See Also

  - pkg/engine wires Init from configuration
  - zerolog documentation: https://github.com/rs/zerolog
*/
package log
