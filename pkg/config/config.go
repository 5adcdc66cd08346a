package config

import "time"

// ProtocolVersion is the Replication/Ingest API protocol version this
// orchestrator speaks. It is sent as the "version" field on every request.
const ProtocolVersion = 25

// MinSupportedManifestVersion is the oldest manifest "version" this
// orchestrator will accept.
const MinSupportedManifestVersion = 1

// HTTPClientConfig configures pkg/httpclient.
type HTTPClientConfig struct {
	// AuthKeyPath is the path to a single-line credentials file. If empty
	// or unreadable, the client prompts on stdin.
	AuthKeyPath string

	// ConnectTimeout bounds establishing the TCP connection. Fixed at 5s
	// per the server's transport discipline unless overridden for tests.
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for a response after the request is sent.
	// Ignored when the caller sets NoReadTimeout on an individual request.
	ReadTimeout time.Duration

	// GETRetryMax is the number of automatic GET retries (default 5).
	GETRetryMax int

	// GETRetryWaitMin is the base backoff interval for GET retries
	// (default 0.2s, doubling for each of up to GETRetryMax retries).
	GETRetryWaitMin time.Duration
}

// DefaultHTTPClientConfig returns the HTTPClientConfig values spec.md §4.1
// and §5 mandate.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     30 * time.Second,
		GETRetryMax:     5,
		GETRetryWaitMin: 200 * time.Millisecond,
	}
}

// QueueConfig configures pkg/queue's connection to the shared SQL database.
type QueueConfig struct {
	Driver             string // "postgres" or "sqlite3"
	DSN                string
	Database           string
	MaxAcquireAttempts int           // attempt ceiling for InitMutex and InsertContribFiles, 0 = unbounded; AcquireMutex's busy-wait is not bounded by it
	MutexInitialBackoff time.Duration
	MutexMaxBackoff     time.Duration
	UnlockMaxAttempts   int // reconciliation-write retry ceiling, default 100
}

// DefaultQueueConfig returns the backoff parameters spec.md §5 mandates.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MutexInitialBackoff: 1 * time.Second,
		MutexMaxBackoff:     10 * time.Second,
		UnlockMaxAttempts:   100,
	}
}

// IngestConfig configures pkg/ingest's orchestrator loop.
type IngestConfig struct {
	ReplicationURL    string
	WorkerPortDefault int
	LockPollInterval  time.Duration // sleep between empty lock-acquire attempts, default 10s
	MonitorInterval   time.Duration // sleep between contribution poll rounds, default 5s
	MaxLoadRetries    int           // default 3, per spec.md §4.6
}

// DefaultIngestConfig returns the timing constants spec.md §4.7 mandates.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		LockPollInterval: 10 * time.Second,
		MonitorInterval:  5 * time.Second,
		MaxLoadRetries:   3,
	}
}
