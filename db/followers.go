package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Follower queries
const (
	sqlFollowerColumns = `id, actor_id, actor_uri, inbox_uri, shared_inbox_uri, error_count, last_error, last_fetched_at, created_at`
	sqlInsertFollower  = `INSERT INTO followers(id, actor_id, actor_uri, inbox_uri, shared_inbox_uri, delivery_inbox, error_count, last_error, last_fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(actor_id, actor_uri) DO UPDATE SET inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri,
		delivery_inbox = excluded.delivery_inbox, error_count = 0, last_error = '', last_fetched_at = excluded.last_fetched_at`
	sqlSelectFollowerIdByURI   = `SELECT id FROM followers WHERE actor_id = ? AND actor_uri = ?`
	sqlSelectFollowerById      = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE id = ?`
	sqlSelectFollowerInboxes   = `SELECT DISTINCT delivery_inbox FROM followers WHERE actor_id = ? ORDER BY delivery_inbox LIMIT ? OFFSET ?`
	sqlSelectOutdatedFollowers = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE last_fetched_at < ? ORDER BY last_fetched_at ASC LIMIT ?`
	sqlSelectFaultyFollowers   = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE error_count >= ? ORDER BY error_count DESC LIMIT ?`
	sqlCountFollowersByActor   = `SELECT COUNT(*) FROM followers WHERE actor_id = ?`
	sqlSelectFollowersByActor  = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE actor_id = ? ORDER BY created_at ASC`
	sqlDeleteFollower          = `DELETE FROM followers WHERE actor_id = ? AND actor_uri = ?`
	sqlDeleteFollowerById      = `DELETE FROM followers WHERE id = ?`
	sqlDeleteFollowersByURI    = `DELETE FROM followers WHERE actor_uri = ?`
	sqlAddFollowerError        = `UPDATE followers SET error_count = error_count + 1, last_error = ? WHERE id = ?`
	sqlSelectFollowerErrors    = `SELECT error_count FROM followers WHERE id = ?`
	sqlClearFollowerErrors     = `UPDATE followers SET error_count = 0, last_error = '' WHERE id = ?`
	sqlRefreshFollower         = `UPDATE followers SET inbox_uri = ?, shared_inbox_uri = ?, delivery_inbox = ?, error_count = 0, last_error = '', last_fetched_at = ? WHERE id = ?`
)

// UpsertFollower stores a follower; adding an existing (actor, uri) pair
// refreshes its metadata instead of creating a second row.
func (db *DB) UpsertFollower(ctx context.Context, f *domain.RemoteActor) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollower,
			f.Id.String(),
			f.ActorId.String(),
			f.ActorURI,
			f.InboxURI,
			f.SharedInboxURI,
			f.DeliveryInbox(),
			f.LastFetchedAt.Unix(),
			f.CreatedAt.Unix(),
		)
		if err != nil {
			return err
		}
		var idStr string
		if err := tx.QueryRowContext(ctx, sqlSelectFollowerIdByURI, f.ActorId.String(), f.ActorURI).Scan(&idStr); err != nil {
			return err
		}
		id, err = uuid.Parse(idStr)
		return err
	})
	return id, err
}

func (db *DB) ReadFollowerById(ctx context.Context, id uuid.UUID) (*domain.RemoteActor, error) {
	f, err := scanFollower(db.db.QueryRowContext(ctx, sqlSelectFollowerById, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "follower", ID: id.String()}
	}
	return f, err
}

func (db *DB) ReadFollowersByActorId(ctx context.Context, actorId uuid.UUID) ([]domain.RemoteActor, error) {
	return db.queryFollowers(ctx, sqlSelectFollowersByActor, actorId.String())
}

func (db *DB) CountFollowers(ctx context.Context, actorId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowersByActor, actorId.String()).Scan(&n)
	return n, err
}

// ReadFollowerInboxes pages through the distinct delivery inboxes of an actor
func (db *DB) ReadFollowerInboxes(ctx context.Context, actorId uuid.UUID, limit, offset int) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, actorId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func (db *DB) ReadOutdatedFollowers(ctx context.Context, before time.Time, limit int) ([]domain.RemoteActor, error) {
	return db.queryFollowers(ctx, sqlSelectOutdatedFollowers, before.Unix(), limit)
}

func (db *DB) ReadFaultyFollowers(ctx context.Context, threshold, limit int) ([]domain.RemoteActor, error) {
	return db.queryFollowers(ctx, sqlSelectFaultyFollowers, threshold, limit)
}

func (db *DB) DeleteFollower(ctx context.Context, actorId uuid.UUID, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollower, actorId.String(), actorURI)
		return err
	})
}

func (db *DB) DeleteFollowerById(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollowerById, id.String())
		return err
	})
}

// DeleteFollowersByURI removes a remote actor from every local actor's followers
func (db *DB) DeleteFollowersByURI(ctx context.Context, actorURI string) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollowersByURI, actorURI)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// AddFollowerError increments the error count and returns the new value
func (db *DB) AddFollowerError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	var count int
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAddFollowerError, message, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &domain.NotFoundError{Kind: "follower", ID: id.String()}
		}
		return tx.QueryRowContext(ctx, sqlSelectFollowerErrors, id.String()).Scan(&count)
	})
	return count, err
}

func (db *DB) ClearFollowerErrors(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlClearFollowerErrors, id.String())
		return err
	})
}

// RefreshFollower stores freshly fetched metadata and resets the error count
func (db *DB) RefreshFollower(ctx context.Context, f *domain.RemoteActor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlRefreshFollower,
			f.InboxURI,
			f.SharedInboxURI,
			f.DeliveryInbox(),
			f.LastFetchedAt.Unix(),
			f.Id.String(),
		)
		return err
	})
}

func (db *DB) queryFollowers(ctx context.Context, query string, args ...interface{}) ([]domain.RemoteActor, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.RemoteActor
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return followers, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

func scanFollower(row rowScanner) (*domain.RemoteActor, error) {
	var f domain.RemoteActor
	var idStr, actorStr string
	var fetched, created int64
	err := row.Scan(
		&idStr,
		&actorStr,
		&f.ActorURI,
		&f.InboxURI,
		&f.SharedInboxURI,
		&f.ErrorCount,
		&f.LastError,
		&fetched,
		&created,
	)
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(idStr)
	f.ActorId, _ = uuid.Parse(actorStr)
	f.LastFetchedAt = time.Unix(fetched, 0)
	f.CreatedAt = time.Unix(created, 0)
	return &f, nil
}
