// Package contribution drives one input file through the server's
// asynchronous file-ingest endpoints for exactly one super-transaction:
// submit, poll until FINISHED, and retry transient load failures up to a
// fixed attempt ceiling.
package contribution
