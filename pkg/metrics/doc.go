// Package metrics defines and registers the Prometheus metrics exported by
// the ingest orchestrator: queue depth by state, lock-acquire latency,
// contribution retry counts, and transaction duration. Metrics are exposed
// via Handler for scraping.
package metrics
