package activitypub

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"github.com/google/uuid"
)

const (
	keysMigratedSetting = "keys_migrated"
	keyMigrationLock    = "key_migration"
)

var ErrMalformedKey = errors.New("malformed key material")

// KeyStore hands out signing keys for local actors
type KeyStore struct {
	db          *db.DB
	generate    func() (*util.RsaKeyPair, error)
	lockTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger

	mu       sync.Mutex
	migrated atomic.Bool
}

func NewKeyStore(database *db.DB, lockTimeout time.Duration, now func() time.Time) *KeyStore {
	return &KeyStore{
		db:          database,
		generate:    util.GeneratePemKeypair,
		lockTimeout: lockTimeout,
		now:         now,
		logger:      log.WithPrefix("Keys"),
	}
}

// KeypairFor returns the actor's keypair, creating one on first use. With
// force set a fresh pair replaces the stored one. An empty pair is returned
// when no key could be produced.
func (k *KeyStore) KeypairFor(ctx context.Context, actorId uuid.UUID, force bool) domain.KeyPair {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !force {
		kp, err := k.db.ReadKeyPair(ctx, actorId)
		if err == nil && !kp.IsZero() {
			return kp
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			k.logger.Error("Failed to read keypair", "actor", actorId, "err", err)
			return domain.KeyPair{}
		}

		if !k.keysMigrated(ctx) {
			if kp, ok := k.adoptLegacy(ctx, actorId); ok {
				return kp
			}
		}
	}

	pair, err := k.generate()
	if err != nil {
		k.logger.Error("Failed to generate keypair", "actor", actorId, "err", err)
		return domain.KeyPair{}
	}
	kp := domain.KeyPair{Public: pair.Public, Private: pair.Private}
	if err := k.db.SaveKeyPair(ctx, actorId, kp); err != nil {
		k.logger.Error("Failed to store keypair", "actor", actorId, "err", err)
		return domain.KeyPair{}
	}
	k.logger.Info("Generated keypair", "actor", actorId)
	return kp
}

// MigrateLegacyKeys moves keys out of the pre-migration columns. It runs once
// per database; afterwards only the keypairs table is consulted.
func (k *KeyStore) MigrateLegacyKeys(ctx context.Context) (int, error) {
	if k.keysMigrated(ctx) {
		return 0, nil
	}

	token, ok, err := k.db.AcquireLock(ctx, keyMigrationLock, k.now(), k.lockTimeout)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrLockHeld
	}
	defer k.db.ReleaseLock(ctx, keyMigrationLock, token)

	ids, err := k.db.ReadLegacyKeyActors(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list legacy keys: %w", err)
	}

	migrated := 0
	for _, id := range ids {
		k.mu.Lock()
		_, ok := k.adoptLegacy(ctx, id)
		k.mu.Unlock()
		if ok {
			migrated++
		}
	}

	if err := k.db.WriteSetting(ctx, keysMigratedSetting, k.now().UTC().Format(time.RFC3339)); err != nil {
		return migrated, err
	}
	k.migrated.Store(true)

	k.logger.Info("Legacy key migration finished", "migrated", migrated, "found", len(ids))
	return migrated, nil
}

func (k *KeyStore) keysMigrated(ctx context.Context) bool {
	if k.migrated.Load() {
		return true
	}
	_, ok, err := k.db.ReadSetting(ctx, keysMigratedSetting)
	if err != nil {
		k.logger.Warn("Failed to read migration state", "err", err)
		return false
	}
	k.migrated.Store(ok)
	return ok
}

// adoptLegacy copies a usable legacy keypair into the canonical table
func (k *KeyStore) adoptLegacy(ctx context.Context, actorId uuid.UUID) (domain.KeyPair, bool) {
	legacy, err := k.db.ReadLegacyKeyPair(ctx, actorId)
	if err != nil || legacy.IsZero() {
		return domain.KeyPair{}, false
	}

	kp, err := normalizeKeyPair(legacy)
	if err != nil {
		k.logger.Warn("Ignoring unusable legacy keypair", "actor", actorId, "err", err)
		return domain.KeyPair{}, false
	}
	if err := k.db.AdoptLegacyKeyPair(ctx, actorId, kp); err != nil {
		k.logger.Error("Failed to adopt legacy keypair", "actor", actorId, "err", err)
		return domain.KeyPair{}, false
	}
	return kp, true
}

// normalizeKeyPair rewrites the public half as SPKI and checks that the
// private half parses
func normalizeKeyPair(kp domain.KeyPair) (domain.KeyPair, error) {
	if _, err := ParsePrivateKey(kp.Private); err != nil {
		return kp, err
	}
	pub, err := ParsePublicKey(kp.Public)
	if err != nil {
		return kp, err
	}
	spki, err := util.PublicKeyToPem(pub)
	if err != nil {
		return kp, err
	}
	return domain.KeyPair{Public: spki, Private: kp.Private}, nil
}

// ParsePrivateKey reads a PKCS#1, PKCS#8 or EC private key
func ParsePrivateKey(pemString string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block: %w", ErrMalformedKey)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key %q: %w", block.Type, ErrMalformedKey)
}

// ParsePublicKey accepts PKCS#1, SPKI, EC, PKCS#8 (the public half is derived)
// and certificate encodings, in PEM or as bare base64 DER.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(strings.TrimSpace(pemString))); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(pemString), ""))
		if err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("failed to parse PEM block: %w", ErrMalformedKey)
		}
		der = raw
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		return usablePublicKey(key)
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return usablePublicKey(signer.Public())
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return &key.PublicKey, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return &key.PublicKey, nil
	}
	if cert, err := x509.ParseCertificate(der); err == nil {
		return usablePublicKey(cert.PublicKey)
	}
	return nil, ErrMalformedKey
}

func usablePublicKey(key interface{}) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported key type %T: %w", key, ErrMalformedKey)
}
