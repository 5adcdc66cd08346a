// Package queue is the only coordination primitive between independent
// orchestrator processes. It wraps a SQL-backed contribfile_queue table
// and a singleton mutex row, and exposes the lock/unlock protocol that
// lets N workers claim disjoint batches of contribution specs without
// double-ingesting any file.
package queue
