package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/manifest"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
)

// LockedSpec is one contribfile_queue row, with its queue-assigned id
// attached to the underlying Contribution Spec.
type LockedSpec struct {
	ID int64
	manifest.ContributionSpec
}

// InsertContribFiles bulk-inserts every Contribution Spec from a
// manifest. Idempotent: if the queue already holds rows for this
// database, it is a no-op, so a crashed bootstrap can simply be re-run.
func (q *Queue) InsertContribFiles(ctx context.Context, database string, specs []manifest.ContributionSpec) error {
	return withRetry(ctx, "insert_contribfiles", q.cfg.MutexInitialBackoff, q.cfg.MutexMaxBackoff, q.cfg.MaxAcquireAttempts, func() error {
		var count int
		if err := q.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s", q.ph(1)),
			database).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt := fmt.Sprintf(
			"INSERT INTO contribfile_queue (database, table_name, chunk_id, filepath, is_overlap) VALUES (%s, %s, %s, %s, %s)",
			q.ph(1), q.ph(2), q.ph(3), q.ph(4), q.ph(5))
		for _, spec := range specs {
			var chunkID interface{}
			if spec.ChunkID >= 0 {
				chunkID = spec.ChunkID
			}
			var isOverlap interface{}
			if spec.IsOverlap >= 0 {
				isOverlap = spec.IsOverlap == 1
			}
			if _, err := tx.ExecContext(ctx, stmt, spec.Database, spec.Table, chunkID, spec.FilePath, isOverlap); err != nil {
				return fmt.Errorf("insert %s: %w", spec.FilePath, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		metrics.ContributionsSubmittedTotal.Add(float64(len(specs)))
		return nil
	})
}

// SetTransactionSize precomputes the batch size as
// floor(total_unfinished_for_db / fraction) + 1.
func (q *Queue) SetTransactionSize(ctx context.Context, database string, fraction int) error {
	var total int
	err := q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s AND succeed IS NOT TRUE", q.ph(1)),
		database).Scan(&total)
	if err != nil {
		return wrapf("set_transaction_size", err)
	}
	if fraction <= 0 {
		fraction = 1
	}
	q.batchSize = total/fraction + 1
	return nil
}

// LockContribFiles acquires the mutex, claims up to batchSize available
// rows for database, releases the mutex, then returns every row this
// worker currently holds -- including any left over from a prior crash
// under this same worker id.
func (q *Queue) LockContribFiles(ctx context.Context, database string) ([]LockedSpec, error) {
	if err := q.AcquireMutex(ctx); err != nil {
		return nil, err
	}
	claimErr := q.claimBatch(ctx, database)
	if releaseErr := q.ReleaseMutex(ctx); releaseErr != nil && claimErr == nil {
		claimErr = releaseErr
	}
	if claimErr != nil {
		return nil, claimErr
	}
	return q.lockedByMe(ctx, database)
}

func (q *Queue) claimBatch(ctx context.Context, database string) error {
	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM contribfile_queue WHERE database = %s AND locking_worker IS NULL AND succeed IS NOT TRUE LIMIT %s",
			q.ph(1), q.ph(2)),
		database, q.batchSize)
	if err != nil {
		return wrapf("lock_contribfiles select", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return wrapf("lock_contribfiles scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapf("lock_contribfiles rows", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, q.workerID, time.Now())
	for i, id := range ids {
		placeholders[i] = q.ph(i + 3)
		args = append(args, id)
	}
	stmt := fmt.Sprintf("UPDATE contribfile_queue SET locking_worker = %s, locked_at = %s WHERE id IN (%s)",
		q.ph(1), q.ph(2), strings.Join(placeholders, ", "))
	if _, err := q.db.ExecContext(ctx, stmt, args...); err != nil {
		return wrapf("lock_contribfiles update", err)
	}
	return nil
}

func (q *Queue) lockedByMe(ctx context.Context, database string) ([]LockedSpec, error) {
	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, table_name, chunk_id, filepath, is_overlap FROM contribfile_queue WHERE locking_worker = %s AND succeed IS NOT TRUE AND database = %s",
			q.ph(1), q.ph(2)),
		q.workerID, database)
	if err != nil {
		return nil, wrapf("lock_contribfiles reread", err)
	}
	defer rows.Close()
	return scanSpecs(rows, database)
}

// UnlockContribFiles marks this worker's locked rows succeeded, or
// releases their lock back to available, depending on success. Retried up
// to UnlockMaxAttempts times: queue state must be reconciled even if the
// database is flapping, per the ingest loop's finally-block contract.
func (q *Queue) UnlockContribFiles(ctx context.Context, database string, success bool) error {
	return withRetry(ctx, "unlock_contribfiles", q.cfg.MutexInitialBackoff, q.cfg.MutexMaxBackoff, q.cfg.UnlockMaxAttempts, func() error {
		var stmt string
		if success {
			stmt = fmt.Sprintf("UPDATE contribfile_queue SET succeed = TRUE WHERE locking_worker = %s AND database = %s", q.ph(1), q.ph(2))
		} else {
			stmt = fmt.Sprintf("UPDATE contribfile_queue SET locking_worker = NULL, locked_at = NULL WHERE locking_worker = %s AND database = %s", q.ph(1), q.ph(2))
		}
		_, err := q.db.ExecContext(ctx, stmt, q.workerID, database)
		if err == nil && success {
			metrics.ContributionsFinishedTotal.Inc()
		}
		return err
	})
}

// AllSucceed reports whether every row for database has succeed=true.
func (q *Queue) AllSucceed(ctx context.Context, database string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s AND succeed IS NOT TRUE", q.ph(1)),
		database).Scan(&count)
	if err != nil {
		return false, wrapf("all_succeed", err)
	}
	return count == 0, nil
}

// SelectNonIngested returns every row not yet marked succeeded, regardless
// of lock state. Diagnostic read, not part of the hot loop.
func (q *Queue) SelectNonIngested(ctx context.Context, database string) ([]LockedSpec, error) {
	return q.selectWhere(ctx, database, "succeed IS NOT TRUE")
}

// SelectInProgress returns every row currently locked by some worker and
// not yet succeeded. Diagnostic read.
func (q *Queue) SelectInProgress(ctx context.Context, database string) ([]LockedSpec, error) {
	return q.selectWhere(ctx, database, "locking_worker IS NOT NULL AND succeed IS NOT TRUE")
}

func (q *Queue) selectWhere(ctx context.Context, database, predicate string) ([]LockedSpec, error) {
	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, table_name, chunk_id, filepath, is_overlap FROM contribfile_queue WHERE database = %s AND %s", q.ph(1), predicate),
		database)
	if err != nil {
		return nil, wrapf("select", err)
	}
	defer rows.Close()
	return scanSpecs(rows, database)
}

func scanSpecs(rows *sql.Rows, database string) ([]LockedSpec, error) {
	var out []LockedSpec
	for rows.Next() {
		var (
			id        int64
			table     string
			chunkID   sql.NullInt64
			filepath  string
			isOverlap sql.NullBool
		)
		if err := rows.Scan(&id, &table, &chunkID, &filepath, &isOverlap); err != nil {
			return nil, wrapf("select scan", err)
		}
		spec := manifest.ContributionSpec{Database: database, Table: table, ChunkID: -1, FilePath: filepath, IsOverlap: -1}
		if chunkID.Valid {
			spec.ChunkID = int(chunkID.Int64)
		}
		if isOverlap.Valid {
			if isOverlap.Bool {
				spec.IsOverlap = 1
			} else {
				spec.IsOverlap = 0
			}
		}
		out = append(out, LockedSpec{ID: id, ContributionSpec: spec})
	}
	return out, rows.Err()
}

// CountByState implements metrics.DepthSource: available, locked, and
// done row counts for database.
func (q *Queue) CountByState(database string) (available, locked, done int, err error) {
	ctx := context.Background()
	if err = q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s AND locking_worker IS NULL AND succeed IS NOT TRUE", q.ph(1)),
		database).Scan(&available); err != nil {
		return 0, 0, 0, wrapf("count_by_state available", err)
	}
	if err = q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s AND locking_worker IS NOT NULL AND succeed IS NOT TRUE", q.ph(1)),
		database).Scan(&locked); err != nil {
		return 0, 0, 0, wrapf("count_by_state locked", err)
	}
	if err = q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE database = %s AND succeed = TRUE", q.ph(1)),
		database).Scan(&done); err != nil {
		return 0, 0, 0, wrapf("count_by_state done", err)
	}
	return available, locked, done, nil
}

// CountLockedByWorker is an operator-facing diagnostic; neither the hot
// loop nor the Janitor calls it.
func (q *Queue) CountLockedByWorker(ctx context.Context, workerID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM contribfile_queue WHERE locking_worker = %s AND succeed IS NOT TRUE", q.ph(1)),
		workerID).Scan(&count)
	if err != nil {
		return 0, wrapf("count_locked_by_worker", err)
	}
	return count, nil
}
