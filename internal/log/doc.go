/*
Package log provides structured logging for udsd using zerolog.

It wraps a single global zerolog.Logger with JSON or human-readable
console output, a configurable level threshold, and a handful of
context-logger constructors used across the tree.

# Usage

Initializing the logger, once, in cmd/udsd's PersistentPreRunE:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // JSON in production, console during development
		Output:     os.Stdout,
	})

Component loggers identify which subsystem emitted a line — every
package that logs keeps one package-level var:

	var logger = log.WithComponent("scheduler")
	logger.Error().Err(err).Msg("scheduler claim cycle failed")

Three narrower context loggers complement WithComponent:

  - WithHostName(hostName): the per-process logger tagging every line
    with the host name that owns this server's scheduler claims and
    deferred-deletion rows.
  - WithServiceID(id): a child logger tagging every line with
    user_service_id, for code that follows a single UserService through
    several log lines (servicemgr's login/logout notifications).
  - WithJobName(name): a child logger tagging every line with job, used
    by the scheduler's executor loop around a single claimed job.

# Log levels

Debug is for development and ad-hoc troubleshooting; Info is the
default production level; Warn covers conditions that may need
attention but aren't failures (a provider at capacity, an unknown
claimed job); Error covers failed operations; Fatal logs then calls
os.Exit(1) and should only be used for unrecoverable startup errors.
*/
package log
