package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/log"
)

// Janitor is an optional, disabled-by-default component that reports
// stale locks: rows whose locking_worker is set and succeed is still
// unset for longer than staleAfter. It never reclaims rows automatically
// -- the queue deliberately favors safety over liveness, so clearing a
// stale lock requires an explicit ForceRelease call by an operator.
type Janitor struct {
	q          *Queue
	database   string
	staleAfter time.Duration
	interval   time.Duration
	stopCh     chan struct{}
}

// NewJanitor builds a Janitor. It does nothing until Start is called; the
// ingest loop never starts one on its own.
func NewJanitor(q *Queue, database string, staleAfter, interval time.Duration) *Janitor {
	return &Janitor{
		q:          q,
		database:   database,
		staleAfter: staleAfter,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the scan loop until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.scan(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the scan loop.
func (j *Janitor) Stop() { close(j.stopCh) }

func (j *Janitor) scan(ctx context.Context) {
	stale, err := j.selectStale(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("janitor: stale-lock scan failed")
		return
	}
	for _, r := range stale {
		log.Logger.Warn().
			Int64("id", r.ID).
			Str("filepath", r.FilePath).
			Msg("janitor: row locked past staleness threshold, awaiting manual reclaim")
	}
}

func (j *Janitor) selectStale(ctx context.Context) ([]LockedSpec, error) {
	cutoff := time.Now().Add(-j.staleAfter)
	rows, err := j.q.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, table_name, chunk_id, filepath, is_overlap FROM contribfile_queue WHERE database = %s AND locking_worker IS NOT NULL AND succeed IS NOT TRUE AND locked_at < %s",
			j.q.ph(1), j.q.ph(2)),
		j.database, cutoff)
	if err != nil {
		return nil, wrapf("janitor select_stale", err)
	}
	defer rows.Close()
	return scanSpecs(rows, j.database)
}

// ForceRelease clears locking_worker on every row locked by workerID, for
// manual crash recovery. Never called automatically by the janitor.
func (j *Janitor) ForceRelease(ctx context.Context, workerID string) error {
	_, err := j.q.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE contribfile_queue SET locking_worker = NULL, locked_at = NULL WHERE locking_worker = %s AND succeed IS NOT TRUE", j.q.ph(1)),
		workerID)
	if err != nil {
		return wrapf("force_release", err)
	}
	return nil
}
