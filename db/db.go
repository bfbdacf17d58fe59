package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var logger = log.WithPrefix("DB")

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const busyRetries = 5

const (
	//Local actors, web_public_key and web_private_key are the pre-migration key location
	sqlCreateLocalActorsTable = `CREATE TABLE IF NOT EXISTS local_actors(
                        id TEXT NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        created_at INTEGER NOT NULL,
                        web_public_key text,
                        web_private_key text
                        )`
	sqlInsertLocalActor         = `INSERT INTO local_actors(id, username, created_at) VALUES (?, ?, ?)`
	sqlInsertLocalActorWithKeys = `INSERT INTO local_actors(id, username, created_at, web_public_key, web_private_key) VALUES (?, ?, ?, ?, ?)`
	sqlSelectLocalActorById     = `SELECT id, username, created_at FROM local_actors WHERE id = ?`
	sqlSelectLocalActorByName   = `SELECT id, username, created_at FROM local_actors WHERE username = ?`
)

// Open opens (and migrates) the sqlite database at path
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &DB{db: sqlDB}
	if err := database.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Debug("Database initialized", "path", path)
	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) CreateLocalActor(ctx context.Context, username string) (uuid.UUID, error) {
	id := uuid.New()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertLocalActor, id.String(), username, time.Now().Unix())
		return err
	})
	return id, err
}

// CreateLocalActorWithLegacyKeys provisions an actor whose keys still live in
// the pre-migration columns.
func (db *DB) CreateLocalActorWithLegacyKeys(ctx context.Context, username string, keys domain.KeyPair) (uuid.UUID, error) {
	id := uuid.New()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertLocalActorWithKeys, id.String(), username, time.Now().Unix(), keys.Public, keys.Private)
		return err
	})
	return id, err
}

func (db *DB) ReadLocalActorById(ctx context.Context, id uuid.UUID) (*domain.LocalActor, error) {
	return db.scanLocalActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorById, id.String()), id.String())
}

func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.LocalActor, error) {
	return db.scanLocalActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByName, username), username)
}

func (db *DB) scanLocalActor(row *sql.Row, key string) (*domain.LocalActor, error) {
	var acc domain.LocalActor
	var idStr string
	var created int64
	err := row.Scan(&idStr, &acc.Username, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "local actor", ID: key}
	}
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.CreatedAt = time.Unix(created, 0)
	return &acc, nil
}

// wrapTransaction runs the given function within a transaction, retrying
// while sqlite reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = db.db.BeginTx(ctx, nil)
		if err != nil {
			logger.Error("error starting transaction", "err", err)
			return err
		}
		err = f(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if !isBusy(err) {
			logger.Error("error in transaction", "err", err)
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

func nullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
