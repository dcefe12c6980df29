/*
Package log provides the structured logger shared across remd: a global
zerolog.Logger plus a set of WithX helpers that attach the context fields
REM's own components actually log with.

# Initialization

Init(Config) sets the global log level and output format once, at process
start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Until Init runs, Logger is zerolog's zero value, which has no writer and
so discards every event — every entrypoint in cmd/remd
calls Init from cobra.OnInitialize before any command body runs.

# Context loggers

WithTenant, WithSchema, and WithSeq scope a child logger to the id a
tenant-facing operation is already carrying, so a single bad WAL frame or
replication stall can be traced back to its tenant, schema, and log_seq_no
without re-deriving them from the message text:

	log.WithSeq(frame.LogSeqNo).Error().Err(err).Msg("apply frame failed")

WithComponent, WithNodeID, WithServiceID, and WithTaskID are carried over
from the logger this package was built on; REM code reaches for WithTenant/
WithSchema/WithSeq instead, since entities and WAL frames are what it has
to correlate, not nodes or services.
*/
package log
