package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
)

// InitMutex ensures the singleton mutex row exists with no owner. Called
// once per dataset load, before any worker starts its ingest loop.
func (q *Queue) InitMutex(ctx context.Context) error {
	return withRetry(ctx, "init_mutex", q.cfg.MutexInitialBackoff, q.cfg.MutexMaxBackoff, q.cfg.MaxAcquireAttempts, func() error {
		var count int
		if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutex").Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		_, err := q.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO mutex (owner, latest_move) VALUES (NULL, %s)", q.ph(1)),
			time.Now())
		return err
	})
}

// AcquireMutex busy-waits, with exponential backoff from 1s capped at
// 10s, until this worker owns the mutex row. Only one worker at a time
// can hold it; this is not SELECT ... FOR UPDATE, which is
// portability-sensitive across the SQL backends the queue supports.
func (q *Queue) AcquireMutex(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MutexAcquireDuration)

	delay := q.cfg.MutexInitialBackoff
	for {
		metrics.MutexAcquireAttempts.Inc()
		owned, err := q.tryAcquireMutex(ctx)
		if err != nil {
			return wrapf("acquire_mutex", err)
		}
		if owned {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > q.cfg.MutexMaxBackoff {
			delay = q.cfg.MutexMaxBackoff
		}
	}
}

func (q *Queue) tryAcquireMutex(ctx context.Context) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE mutex SET owner = %s, latest_move = %s WHERE owner IS NULL", q.ph(1), q.ph(2)),
		q.workerID, time.Now())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var owner sql.NullString
	if err := q.db.QueryRowContext(ctx, "SELECT owner FROM mutex").Scan(&owner); err != nil {
		return false, err
	}
	return owner.Valid && owner.String == q.workerID, nil
}

// ReleaseMutex relinquishes ownership of the mutex row, if held by this worker.
func (q *Queue) ReleaseMutex(ctx context.Context) error {
	return withRetry(ctx, "release_mutex", q.cfg.MutexInitialBackoff, q.cfg.MutexMaxBackoff, q.cfg.UnlockMaxAttempts, func() error {
		_, err := q.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE mutex SET owner = NULL WHERE owner = %s", q.ph(1)),
			q.workerID)
		return err
	})
}
