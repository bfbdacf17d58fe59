package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/go-fed/httpsig"
	"github.com/google/uuid"
)

const requestTarget = "(request-target)"

// Signer produces Cavage-draft signatures for outgoing requests
type Signer struct {
	keys      *KeyStore
	directory *Directory
	now       func() time.Time
}

func NewSigner(keys *KeyStore, directory *Directory, now func() time.Time) *Signer {
	return &Signer{keys: keys, directory: directory, now: now}
}

// Digest returns the Digest header value for body
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign returns the Signature header a request with the given method, url,
// date and optional digest would carry when sent by the actor.
func (s *Signer) Sign(ctx context.Context, actorId uuid.UUID, method, rawURL, date, digest string) (string, error) {
	actor, err := s.directory.Actor(ctx, actorId)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrActorUnresolvable, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Date", date)
	if digest != "" {
		req.Header.Set("Digest", digest)
	}

	if err := s.sign(ctx, actor, req); err != nil {
		return "", err
	}
	return req.Header.Get("Signature"), nil
}

// SignRequest sets Date, Host, Digest (when body is non-nil) and Signature
// on an outgoing request
func (s *Signer) SignRequest(ctx context.Context, actor *domain.LocalActor, req *http.Request, body []byte) error {
	req.Header.Set("Date", s.now().UTC().Format(http.TimeFormat))
	if body != nil {
		req.Header.Set("Digest", Digest(body))
	}
	return s.sign(ctx, actor, req)
}

func (s *Signer) sign(ctx context.Context, actor *domain.LocalActor, req *http.Request) error {
	kp := s.keys.KeypairFor(ctx, actor.Id, false)
	if kp.IsZero() {
		return fmt.Errorf("no keypair for actor %s", actor.Username)
	}
	privateKey, err := ParsePrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	// httpsig reads host from the header map, the client sends it from the URL
	req.Header.Set("Host", req.URL.Host)

	headers := []string{requestTarget, "host", "date"}
	if req.Header.Get("Digest") != "" {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, actor.KeyID(), req, nil)
}
