// Package ingerr defines the four error kinds the orchestrator classifies
// every failure into: retryable transport, retryable application, fatal
// application, and configuration/invariant errors.
package ingerr
