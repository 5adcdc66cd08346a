// Package ingest composes pkg/httpclient, pkg/manifest, pkg/queue, and
// pkg/contribution into the per-worker orchestrator loop: sanity checks,
// one-time database registration, and the hot ingest loop that drains the
// contribution queue one super-transaction at a time.
package ingest
