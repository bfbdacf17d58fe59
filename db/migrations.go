package db

import (
	"context"
	"database/sql"
)

const (
	// Outbox items, one row per queued activity
	sqlCreateOutboxTable = `CREATE TABLE IF NOT EXISTS outbox_items (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		batch_offset INTEGER,
		visibility TEXT NOT NULL DEFAULT 'public',
		dispatched_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateOutboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_outbox_object ON outbox_items(object_id, activity_type, status);
		CREATE INDEX IF NOT EXISTS idx_outbox_actor_status ON outbox_items(actor_id, status);
		CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_items(status, created_at);
	`

	// Followers of local actors; delivery_inbox is the shared inbox when present
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		delivery_inbox TEXT NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_fetched_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(actor_id, actor_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_delivery ON followers(actor_id, delivery_inbox);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_errors ON followers(actor_id, error_count);
		CREATE INDEX IF NOT EXISTS idx_followers_errors ON followers(error_count);
		CREATE INDEX IF NOT EXISTS idx_followers_fetched ON followers(last_fetched_at);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_uri ON followers(actor_uri);
	`

	// Remote actor document cache
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		document TEXT NOT NULL,
		last_fetched_at INTEGER NOT NULL
	)`

	sqlCreateKeyPairsTable = `CREATE TABLE IF NOT EXISTS keypairs (
		actor_id TEXT NOT NULL PRIMARY KEY,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateSettingsTable = `CREATE TABLE IF NOT EXISTS settings (
		name TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`

	// Durable job queue
	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		batch_offset INTEGER NOT NULL DEFAULT 0,
		batch_size INTEGER NOT NULL DEFAULT 0,
		inbox TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		not_before INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_at INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`

	sqlCreateJobsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_pending_key ON jobs(kind, item_id, batch_offset, inbox) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, not_before);
		CREATE INDEX IF NOT EXISTS idx_jobs_item ON jobs(item_id);
	`

	sqlCreateLocksTable = `CREATE TABLE IF NOT EXISTS locks (
		name TEXT NOT NULL PRIMARY KEY,
		acquired_at INTEGER NOT NULL
	)`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	ctx := context.Background()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"local_actors", sqlCreateLocalActorsTable},
			{"outbox_items", sqlCreateOutboxTable},
			{"followers", sqlCreateFollowersTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"keypairs", sqlCreateKeyPairsTable},
			{"settings", sqlCreateSettingsTable},
			{"jobs", sqlCreateJobsTable},
			{"locks", sqlCreateLocksTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(ctx, tx, table.sql, table.name); err != nil {
				return err
			}
		}

		for _, indices := range []string{sqlCreateOutboxIndices, sqlCreateFollowersIndices, sqlCreateJobsIndices} {
			if _, err := tx.ExecContext(ctx, indices); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.ExecContext(ctx, createSQL)
	if err != nil {
		logger.Error("Error creating table", "table", tableName, "err", err)
		return err
	}
	logger.Debug("Table created or already exists", "table", tableName)
	return nil
}
