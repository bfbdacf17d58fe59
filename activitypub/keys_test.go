package activitypub

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

// testRSAKey returns one RSA key shared across tests
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("Failed to generate RSA key: %v", err)
		}
		rsaKey = key
	})
	return rsaKey
}

func pemBlock(kind string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der}))
}

func TestParsePublicKeyFormats(t *testing.T) {
	key := testRSAKey(t)
	spki, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)

	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	ecDer, _ := x509.MarshalECPrivateKey(ecKey)
	edPub, _, _ := ed25519.GenerateKey(rand.Reader)
	edSpki, _ := x509.MarshalPKIXPublicKey(edPub)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "local.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	cert, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	tests := []struct {
		name    string
		input   string
		wantRSA bool
		wantErr bool
	}{
		{"PKCS1 public", pemBlock("RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&key.PublicKey)), true, false},
		{"SPKI", pemBlock("PUBLIC KEY", spki), true, false},
		{"bare base64 SPKI", base64.StdEncoding.EncodeToString(spki), true, false},
		{"PKCS8 private", pemBlock("PRIVATE KEY", pkcs8), true, false},
		{"PKCS1 private", pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)), true, false},
		{"certificate", pemBlock("CERTIFICATE", cert), true, false},
		{"EC private", pemBlock("EC PRIVATE KEY", ecDer), false, false},
		{"ed25519 SPKI", pemBlock("PUBLIC KEY", edSpki), false, false},
		{"garbage", "not a key at all", false, true},
		{"empty", "", false, true},
		{"wrong payload", pemBlock("PUBLIC KEY", []byte("nonsense")), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := ParsePublicKey(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedKey) {
					t.Errorf("Expected ErrMalformedKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePublicKey failed: %v", err)
			}
			if tt.wantRSA {
				rsaPub, ok := pub.(*rsa.PublicKey)
				if !ok || !rsaPub.Equal(&key.PublicKey) {
					t.Errorf("Expected the RSA test key, got %T", pub)
				}
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	key := testRSAKey(t)
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)

	for _, input := range []string{
		pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
		pemBlock("PRIVATE KEY", pkcs8),
	} {
		signer, err := ParsePrivateKey(input)
		if err != nil {
			t.Fatalf("ParsePrivateKey failed: %v", err)
		}
		if !key.Equal(signer) {
			t.Error("Expected the parsed key to equal the test key")
		}
	}

	if _, err := ParsePrivateKey("garbage"); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("Expected ErrMalformedKey, got %v", err)
	}
}

func TestKeypairForGeneratesOnce(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	calls := 0
	e.Keys.generate = func() (*util.RsaKeyPair, error) {
		calls++
		return util.GeneratePemKeypair()
	}

	first := e.Keys.KeypairFor(ctx, actor.Id, false)
	if first.IsZero() {
		t.Fatal("Expected a keypair")
	}
	second := e.Keys.KeypairFor(ctx, actor.Id, false)
	if second != first {
		t.Error("Expected the stored keypair on second call")
	}
	if calls != 1 {
		t.Errorf("Expected one generation, got %d", calls)
	}

	forced := e.Keys.KeypairFor(ctx, actor.Id, true)
	if forced == first || forced.IsZero() {
		t.Error("Expected force to replace the keypair")
	}
	if calls != 2 {
		t.Errorf("Expected two generations, got %d", calls)
	}
	if stored, _ := e.DB.ReadKeyPair(ctx, actor.Id); stored != forced {
		t.Error("Expected the forced keypair to be stored")
	}

	if !strings.Contains(first.Public, "BEGIN PUBLIC KEY") {
		t.Errorf("Expected SPKI public key, got %q", first.Public)
	}
}

func TestKeypairForGenerationFailure(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	actor := createActor(t, e, "alice")

	e.Keys.generate = func() (*util.RsaKeyPair, error) {
		return nil, errors.New("entropy exhausted")
	}

	if kp := e.Keys.KeypairFor(ctx, actor.Id, false); !kp.IsZero() {
		t.Errorf("Expected an empty keypair, got %+v", kp)
	}
	if _, err := e.DB.ReadKeyPair(ctx, actor.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected nothing stored, got %v", err)
	}
}

func TestKeypairForAdoptsLegacyKeys(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	key := testRSAKey(t)

	legacy := domain.KeyPair{
		Public:  pemBlock("RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&key.PublicKey)),
		Private: pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
	}
	id, err := e.DB.CreateLocalActorWithLegacyKeys(ctx, "legacy", legacy)
	if err != nil {
		t.Fatalf("CreateLocalActorWithLegacyKeys failed: %v", err)
	}
	e.Keys.generate = func() (*util.RsaKeyPair, error) {
		t.Fatal("Expected no key generation for an actor with legacy keys")
		return nil, nil
	}

	kp := e.Keys.KeypairFor(ctx, id, false)
	if kp.Private != legacy.Private {
		t.Error("Expected the legacy private key")
	}
	if !strings.Contains(kp.Public, "BEGIN PUBLIC KEY") {
		t.Errorf("Expected the public key rewritten as SPKI, got %q", kp.Public)
	}
	if left, _ := e.DB.ReadLegacyKeyPair(ctx, id); !left.IsZero() {
		t.Error("Expected the legacy columns to be cleared")
	}
}

func TestMigrateLegacyKeys(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	key := testRSAKey(t)
	spki, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)

	good := domain.KeyPair{
		Public:  pemBlock("PUBLIC KEY", spki),
		Private: pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
	}
	broken := domain.KeyPair{Public: "junk", Private: "junk"}

	goodId, _ := e.DB.CreateLocalActorWithLegacyKeys(ctx, "good", good)
	brokenId, _ := e.DB.CreateLocalActorWithLegacyKeys(ctx, "broken", broken)

	n, err := e.Keys.MigrateLegacyKeys(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyKeys failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 migrated key, got %d", n)
	}
	if kp, _ := e.DB.ReadKeyPair(ctx, goodId); kp.Private != good.Private {
		t.Error("Expected the good keypair to be adopted")
	}
	if _, err := e.DB.ReadKeyPair(ctx, brokenId); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected the broken keypair to be skipped, got %v", err)
	}

	// once migrated, legacy columns are never consulted again
	if kp := e.Keys.KeypairFor(ctx, brokenId, false); kp.IsZero() || kp.Private == broken.Private {
		t.Error("Expected a fresh keypair for the broken actor")
	}
	if n, err := e.Keys.MigrateLegacyKeys(ctx); err != nil || n != 0 {
		t.Errorf("Expected second migration to be a no-op, got %d, %v", n, err)
	}
}

func TestMigrateLegacyKeysLockHeld(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()

	if _, ok, err := e.DB.AcquireLock(ctx, keyMigrationLock, time.Now(), time.Hour); err != nil || !ok {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := e.Keys.MigrateLegacyKeys(ctx); !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("Expected ErrLockHeld, got %v", err)
	}
}
