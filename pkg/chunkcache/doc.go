// Package chunkcache persists chunk-to-worker location lookups across
// process restarts in a bounded, embedded bbolt database. It backs
// pkg/ingest's in-memory, per-process chunk location memoization with a
// second tier that survives a worker crash and restart, so a resumed run
// does not have to re-resolve every chunk it already looked up.
package chunkcache
