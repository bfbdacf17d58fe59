package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Key and settings queries
const (
	sqlSelectKeyPair = `SELECT public_key, private_key FROM keypairs WHERE actor_id = ?`
	sqlUpsertKeyPair = `INSERT INTO keypairs(actor_id, public_key, private_key, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET public_key = excluded.public_key, private_key = excluded.private_key`
	sqlSelectLegacyKeyPair   = `SELECT COALESCE(web_public_key, ''), COALESCE(web_private_key, '') FROM local_actors WHERE id = ?`
	sqlSelectLegacyKeyActors = `SELECT id FROM local_actors WHERE COALESCE(web_private_key, '') != ''`
	sqlClearLegacyKeyPair    = `UPDATE local_actors SET web_public_key = NULL, web_private_key = NULL WHERE id = ?`
	sqlSelectSetting         = `SELECT value FROM settings WHERE name = ?`
	sqlUpsertSetting         = `INSERT INTO settings(name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
)

func (db *DB) ReadKeyPair(ctx context.Context, actorId uuid.UUID) (domain.KeyPair, error) {
	var kp domain.KeyPair
	err := db.db.QueryRowContext(ctx, sqlSelectKeyPair, actorId.String()).Scan(&kp.Public, &kp.Private)
	if errors.Is(err, sql.ErrNoRows) {
		return kp, &domain.NotFoundError{Kind: "keypair", ID: actorId.String()}
	}
	return kp, err
}

func (db *DB) SaveKeyPair(ctx context.Context, actorId uuid.UUID, kp domain.KeyPair) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertKeyPair, actorId.String(), kp.Public, kp.Private, time.Now().Unix())
		return err
	})
}

// ReadLegacyKeyPair reads keys from the pre-migration columns
func (db *DB) ReadLegacyKeyPair(ctx context.Context, actorId uuid.UUID) (domain.KeyPair, error) {
	var kp domain.KeyPair
	err := db.db.QueryRowContext(ctx, sqlSelectLegacyKeyPair, actorId.String()).Scan(&kp.Public, &kp.Private)
	if errors.Is(err, sql.ErrNoRows) {
		return kp, &domain.NotFoundError{Kind: "local actor", ID: actorId.String()}
	}
	return kp, err
}

// ReadLegacyKeyActors lists actors that still carry keys in the legacy columns
func (db *DB) ReadLegacyKeyActors(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLegacyKeyActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return ids, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdoptLegacyKeyPair moves a keypair to the canonical table and clears the
// legacy columns in one transaction.
func (db *DB) AdoptLegacyKeyPair(ctx context.Context, actorId uuid.UUID, kp domain.KeyPair) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlUpsertKeyPair, actorId.String(), kp.Public, kp.Private, time.Now().Unix()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlClearLegacyKeyPair, actorId.String())
		return err
	})
}

func (db *DB) ReadSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := db.db.QueryRowContext(ctx, sqlSelectSetting, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (db *DB) WriteSetting(ctx context.Context, name, value string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertSetting, name, value)
		return err
	})
}
