package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/federator/domain"
)

// Remote actor cache queries
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(actor_uri, document, last_fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET document = excluded.document, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor = `SELECT document, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActor = `DELETE FROM remote_actors WHERE actor_uri = ?`
)

func (db *DB) UpsertRemoteActor(ctx context.Context, doc *domain.ActorDocument, fetchedAt time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal actor document: %w", err)
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor, doc.ID, string(raw), fetchedAt.Unix())
		return err
	})
}

// ReadRemoteActor returns the cached document and when it was fetched
func (db *DB) ReadRemoteActor(ctx context.Context, uri string) (*domain.ActorDocument, time.Time, error) {
	var raw string
	var fetched int64
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteActor, uri).Scan(&raw, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, &domain.NotFoundError{Kind: "remote actor", ID: uri}
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var doc domain.ActorDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse cached actor: %w", err)
	}
	return &doc, time.Unix(fetched, 0), nil
}

func (db *DB) DeleteRemoteActor(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteRemoteActor, uri)
		return err
	})
}
