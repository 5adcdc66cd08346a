// Package log provides structured logging for the ingest orchestrator using zerolog.
//
// A single global Logger is configured once via Init and child loggers are
// derived with the With* helpers to attach worker, database, transaction,
// or contribution identifiers to every subsequent line.
package log
