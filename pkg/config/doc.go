// Package config holds the plain Go structs that configure each component
// of the ingest orchestrator. There is no YAML or environment loader here —
// config assembly is the caller's responsibility, per the orchestrator's
// scope (see the CLI front-end, which is a separate concern entirely).
package config
