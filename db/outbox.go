package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Outbox queries
const (
	sqlOutboxColumns        = `id, actor_id, activity_type, object_id, activity_json, status, batch_offset, visibility, dispatched_at, created_at, updated_at`
	sqlInsertOutboxItem     = `INSERT INTO outbox_items(` + sqlOutboxColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectOutboxItem     = `SELECT ` + sqlOutboxColumns + ` FROM outbox_items WHERE id = ?`
	sqlSelectPendingOutbox  = `SELECT ` + sqlOutboxColumns + ` FROM outbox_items WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`
	sqlSelectOrphanedOutbox = `SELECT ` + sqlOutboxColumns + ` FROM outbox_items WHERE status = 'pending'
		AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.item_id = outbox_items.id AND jobs.kind IN ('process', 'followers'))
		ORDER BY created_at ASC LIMIT ?`
	sqlSelectSupersededSame = `SELECT id FROM outbox_items WHERE actor_id = ? AND object_id = ? AND activity_type = ? AND status = 'pending'`
	sqlSelectSupersededAll  = `SELECT id FROM outbox_items WHERE actor_id = ? AND object_id = ? AND status = 'pending'`
	sqlCompleteOutboxItem   = `UPDATE outbox_items SET status = 'complete', batch_offset = NULL, updated_at = ? WHERE id = ?`
	sqlAdvanceOutboxOffset  = `UPDATE outbox_items SET batch_offset = MAX(COALESCE(batch_offset, 0), ?), updated_at = ? WHERE id = ? AND status = 'pending'`
	sqlDispatchOutboxItem   = `UPDATE outbox_items SET dispatched_at = ?, batch_offset = COALESCE(batch_offset, 0), updated_at = ? WHERE id = ? AND status = 'pending'`
	sqlRescheduleOutbox     = `UPDATE outbox_items SET status = 'pending', batch_offset = NULL, dispatched_at = NULL, updated_at = ? WHERE id = ?`
)

// CreateOutboxItem persists item as pending and force-completes the pending
// items it supersedes: same object and type, or every type when allTypes is set.
// It returns the ids of the invalidated items.
func (db *DB) CreateOutboxItem(ctx context.Context, item *domain.OutboxItem, allTypes bool) ([]uuid.UUID, error) {
	var invalidated []uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		invalidated = invalidated[:0]

		var rows *sql.Rows
		var err error
		if allTypes {
			rows, err = tx.QueryContext(ctx, sqlSelectSupersededAll, item.ActorId.String(), item.ObjectId)
		} else {
			rows, err = tx.QueryContext(ctx, sqlSelectSupersededSame, item.ActorId.String(), item.ObjectId, item.ActivityType)
		}
		if err != nil {
			return err
		}
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				rows.Close()
				return err
			}
			id, _ := uuid.Parse(idStr)
			invalidated = append(invalidated, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().Unix()
		for _, id := range invalidated {
			if _, err := tx.ExecContext(ctx, sqlCompleteOutboxItem, now, id.String()); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, sqlInsertOutboxItem,
			item.Id.String(),
			item.ActorId.String(),
			item.ActivityType,
			item.ObjectId,
			item.ActivityJSON,
			string(item.Status),
			nil,
			string(item.Visibility),
			nil,
			item.CreatedAt.Unix(),
			item.UpdatedAt.Unix(),
		)
		return err
	})
	return invalidated, err
}

func (db *DB) ReadOutboxItem(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	item, err := scanOutboxItem(db.db.QueryRowContext(ctx, sqlSelectOutboxItem, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "outbox item", ID: id.String()}
	}
	return item, err
}

// ReadPendingOutboxItems returns the oldest pending items
func (db *DB) ReadPendingOutboxItems(ctx context.Context, limit int) ([]domain.OutboxItem, error) {
	return db.queryOutboxItems(ctx, sqlSelectPendingOutbox, limit)
}

// ReadOrphanedOutboxItems returns pending items with no process or followers
// job, oldest first
func (db *DB) ReadOrphanedOutboxItems(ctx context.Context, limit int) ([]domain.OutboxItem, error) {
	return db.queryOutboxItems(ctx, sqlSelectOrphanedOutbox, limit)
}

func (db *DB) queryOutboxItems(ctx context.Context, query string, args ...interface{}) ([]domain.OutboxItem, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CompleteOutboxItem flips the item to complete and clears its batch offset
func (db *DB) CompleteOutboxItem(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlCompleteOutboxItem, time.Now().Unix(), id.String())
		return err
	})
}

// AdvanceOutboxOffset moves the batch cursor forward; it never moves backwards
func (db *DB) AdvanceOutboxOffset(ctx context.Context, id uuid.UUID, offset int) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlAdvanceOutboxOffset, offset, time.Now().Unix(), id.String())
		return err
	})
}

// MarkOutboxDispatched records that direct delivery happened and a follower
// batch starts at offset zero.
func (db *DB) MarkOutboxDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDispatchOutboxItem, at.Unix(), time.Now().Unix(), id.String())
		return err
	})
}

func (db *DB) RescheduleOutboxItem(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlRescheduleOutbox, time.Now().Unix(), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &domain.NotFoundError{Kind: "outbox item", ID: id.String()}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxItem(row rowScanner) (*domain.OutboxItem, error) {
	var item domain.OutboxItem
	var idStr, actorStr, status, visibility string
	var offset, dispatched sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&idStr,
		&actorStr,
		&item.ActivityType,
		&item.ObjectId,
		&item.ActivityJSON,
		&status,
		&offset,
		&visibility,
		&dispatched,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	item.Id, _ = uuid.Parse(idStr)
	item.ActorId, _ = uuid.Parse(actorStr)
	item.Status = domain.OutboxStatus(status)
	item.Visibility = domain.Visibility(visibility)
	if offset.Valid {
		o := int(offset.Int64)
		item.Offset = &o
	}
	item.DispatchedAt = nullableUnix(dispatched)
	item.CreatedAt = time.Unix(created, 0)
	item.UpdatedAt = time.Unix(updated, 0)
	return &item, nil
}
