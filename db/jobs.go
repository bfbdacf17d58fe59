package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Job queue queries
const (
	sqlJobColumns        = `id, kind, item_id, batch_offset, batch_size, inbox, attempt, not_before, status, claimed_at, last_error, created_at`
	sqlInsertJob         = `INSERT OR IGNORE INTO jobs(` + sqlJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', NULL, '', ?)`
	sqlSelectDueJobs     = `SELECT ` + sqlJobColumns + ` FROM jobs WHERE status = 'pending' AND not_before <= ? ORDER BY not_before ASC LIMIT ?`
	sqlClaimJob          = `UPDATE jobs SET status = 'running', claimed_at = ? WHERE id = ? AND status = 'pending'`
	sqlDeleteJob         = `DELETE FROM jobs WHERE id = ?`
	sqlReleaseJob        = `UPDATE OR IGNORE jobs SET status = 'pending', claimed_at = NULL, not_before = ?, last_error = ? WHERE id = ?`
	sqlRecoverStaleJobs  = `UPDATE OR IGNORE jobs SET status = 'pending', claimed_at = NULL WHERE status = 'running' AND claimed_at < ?`
	sqlDeleteStaleJobs   = `DELETE FROM jobs WHERE status = 'running' AND claimed_at < ?`
	sqlSelectNextJob     = `SELECT not_before FROM jobs WHERE kind = ? AND item_id = ? AND batch_offset = ? AND inbox = ? AND status = 'pending'`
	sqlDeleteJobByKey    = `DELETE FROM jobs WHERE kind = ? AND item_id = ? AND batch_offset = ? AND inbox = ? AND status = 'pending'`
	sqlDeleteItemJobs    = `DELETE FROM jobs WHERE item_id = ? AND status = 'pending'`
	sqlCountBatchJobs    = `SELECT COUNT(*) FROM jobs WHERE item_id = ? AND kind IN ('process', 'followers')`
	sqlSelectPendingJobs = `SELECT ` + sqlJobColumns + ` FROM jobs WHERE status = 'pending' ORDER BY not_before ASC`
)

// InsertJob stores a pending job. It reports false when an identical job
// (same kind, item, offset and inbox) is already pending.
func (db *DB) InsertJob(ctx context.Context, job *domain.Job) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertJob,
			job.Id.String(),
			string(job.Kind),
			job.ItemId.String(),
			job.Offset,
			job.BatchSize,
			job.Inbox,
			job.Attempt,
			job.NotBefore.Unix(),
			job.CreatedAt.Unix(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n == 1
		return err
	})
	return inserted, err
}

// ClaimDueJobs marks up to limit due jobs as running and returns them
func (db *DB) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var claimed []domain.Job
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, sqlSelectDueJobs, now.Unix(), limit)
		if err != nil {
			return err
		}
		var due []domain.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, *job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range due {
			res, err := tx.ExecContext(ctx, sqlClaimJob, now.Unix(), job.Id.String())
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				claimedAt := now
				job.Status = domain.JobRunning
				job.ClaimedAt = &claimedAt
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	return claimed, err
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteJob, id.String())
		return err
	})
}

// ReleaseJob puts a running job back to pending. If an identical job was
// scheduled meanwhile, the running one is dropped instead.
func (db *DB) ReleaseJob(ctx context.Context, id uuid.UUID, notBefore time.Time, lastErr string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlReleaseJob, notBefore.Unix(), lastErr, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.ExecContext(ctx, sqlDeleteJob, id.String())
		}
		return err
	})
}

// RecoverStaleJobs returns jobs claimed before the cutoff to pending
func (db *DB) RecoverStaleJobs(ctx context.Context, claimedBefore time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlRecoverStaleJobs, claimedBefore.Unix()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeleteStaleJobs, claimedBefore.Unix())
		return err
	})
}

// NextJob returns when the pending job with the given key is due
func (db *DB) NextJob(ctx context.Context, key domain.JobKey) (time.Time, bool, error) {
	var notBefore int64
	err := db.db.QueryRowContext(ctx, sqlSelectNextJob, string(key.Kind), key.ItemId.String(), key.Offset, key.Inbox).Scan(&notBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(notBefore, 0), true, nil
}

func (db *DB) DeleteJobByKey(ctx context.Context, key domain.JobKey) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteJobByKey, string(key.Kind), key.ItemId.String(), key.Offset, key.Inbox)
		return err
	})
}

func (db *DB) DeleteItemJobs(ctx context.Context, itemId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteItemJobs, itemId.String())
		return err
	})
}

// CountBatchJobs counts pending and running process or followers jobs for an
// outbox item. Retry jobs are not counted.
func (db *DB) CountBatchJobs(ctx context.Context, itemId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountBatchJobs, itemId.String()).Scan(&n)
	return n, err
}

func (db *DB) ReadPendingJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingJobs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var idStr, kind, itemStr, status string
	var notBefore, created int64
	var claimed sql.NullInt64
	err := row.Scan(
		&idStr,
		&kind,
		&itemStr,
		&job.Offset,
		&job.BatchSize,
		&job.Inbox,
		&job.Attempt,
		&notBefore,
		&status,
		&claimed,
		&job.LastError,
		&created,
	)
	if err != nil {
		return nil, err
	}
	job.Id, _ = uuid.Parse(idStr)
	job.Kind = domain.JobKind(kind)
	job.ItemId, _ = uuid.Parse(itemStr)
	job.Status = domain.JobStatus(status)
	job.NotBefore = time.Unix(notBefore, 0)
	job.ClaimedAt = nullableUnix(claimed)
	job.CreatedAt = time.Unix(created, 0)
	return &job, nil
}
