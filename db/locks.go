package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	sqlAcquireLock = `INSERT INTO locks(name, acquired_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET acquired_at = excluded.acquired_at WHERE locks.acquired_at <= ?`
	sqlReleaseLock = `DELETE FROM locks WHERE name = ? AND acquired_at = ?`
)

// AcquireLock takes the named lock if it is absent or older than timeout.
// The returned token must be passed to ReleaseLock; ok is false when the lock
// is held by someone else.
func (db *DB) AcquireLock(ctx context.Context, name string, now time.Time, timeout time.Duration) (token int64, ok bool, err error) {
	token = now.UnixNano()
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcquireLock, name, token, now.Add(-timeout).UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return token, ok, err
}

// ReleaseLock clears the lock only if token still owns it
func (db *DB) ReleaseLock(ctx context.Context, name string, token int64) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlReleaseLock, name, token)
		return err
	})
}
