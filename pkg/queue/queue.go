package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/lsst-dm/qserv-ingest/pkg/log"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
)

// Queue wraps a SQL database holding the contribfile_queue and mutex
// tables shared by every orchestrator worker process. It is the only
// coordination primitive between independent workers.
type Queue struct {
	db        *sql.DB
	driver    string
	workerID  string
	cfg       config.QueueConfig
	batchSize int
}

// Open connects to the queue database, creating its schema if absent, and
// returns a Queue bound to workerID.
func Open(cfg config.QueueConfig, workerID string) (*Queue, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, wrapf("open "+cfg.Driver, err)
	}
	q := &Queue{db: db, driver: cfg.Driver, workerID: workerID, cfg: cfg, batchSize: 1}
	if err := q.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the underlying database connection pool.
func (q *Queue) Close() error { return q.db.Close() }

func wrapf(op string, err error) error {
	return fmt.Errorf("queue: %s: %w", op, err)
}

// ph renders the nth positional parameter placeholder for the active
// driver: "$n" for postgres, "?" for sqlite3.
func (q *Queue) ph(n int) string {
	if q.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// withRetry wraps a queue operation in exponential backoff, per spec.md's
// requirement that transient database errors (dropped connections,
// "server has gone away", stale-transaction aborts) never surface to the
// caller within the attempt ceiling.
func withRetry(ctx context.Context, op string, initial, max time.Duration, maxAttempts int, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		log.Logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying queue operation")
		metrics.QueueRetriesTotal.WithLabelValues(op).Inc()
		return err
	}

	if err := backoff.Retry(wrapped, backoff.WithContext(bo, ctx)); err != nil {
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			return wrapf(op, perr.Err)
		}
		return wrapf(op, err)
	}
	return nil
}
