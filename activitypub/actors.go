package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
)

const (
	actorCacheTTL  = 24 * time.Hour
	maxDocumentLen = 1 << 20
	acceptHeader   = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ActorFetcher resolves a remote actor (or key) document by URI
type ActorFetcher interface {
	FetchActor(ctx context.Context, uri string) (*domain.ActorDocument, error)
}

// ObjectFetcher resolves an arbitrary remote object
type ObjectFetcher interface {
	FetchObject(ctx context.Context, uri string) (map[string]interface{}, error)
}

// Fetcher is what the resolvers and the verifier need from the network
type Fetcher interface {
	ActorFetcher
	ObjectFetcher
}

type actorRefresher interface {
	RefreshActor(ctx context.Context, uri string) (*domain.ActorDocument, error)
}

// HTTPFetcher fetches ActivityStreams documents over HTTP
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// FetchActor returns domain.ErrActorGone for deleted or tombstoned actors
func (f *HTTPFetcher) FetchActor(ctx context.Context, uri string) (*domain.ActorDocument, error) {
	body, err := f.get(ctx, uri)
	if err != nil {
		return nil, err
	}

	var doc domain.ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if doc.Type == "Tombstone" {
		return nil, fmt.Errorf("%w: %s", domain.ErrActorGone, uri)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("actor document %s has no id", uri)
	}
	return &doc, nil
}

func (f *HTTPFetcher) FetchObject(ctx context.Context, uri string) (map[string]interface{}, error) {
	body, err := f.get(ctx, uri)
	if err != nil {
		return nil, err
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse object JSON: %w", err)
	}
	return obj, nil
}

func (f *HTTPFetcher) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrActorGone, uri, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch of %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// CachingFetcher keeps actor documents in the database for a day
type CachingFetcher struct {
	db      *db.DB
	fetcher Fetcher
	maxAge  time.Duration
	now     func() time.Time
	logger  *log.Logger
}

func NewCachingFetcher(database *db.DB, fetcher Fetcher, now func() time.Time) *CachingFetcher {
	return &CachingFetcher{
		db:      database,
		fetcher: fetcher,
		maxAge:  actorCacheTTL,
		now:     now,
		logger:  log.WithPrefix("Fetcher"),
	}
}

// FetchActor serves fresh cache entries, refetches stale ones and falls back
// to a stale copy when the remote is unreachable
func (f *CachingFetcher) FetchActor(ctx context.Context, uri string) (*domain.ActorDocument, error) {
	cached, fetchedAt, err := f.db.ReadRemoteActor(ctx, uri)
	if err == nil && f.now().Sub(fetchedAt) < f.maxAge {
		return cached, nil
	}

	doc, ferr := f.RefreshActor(ctx, uri)
	if ferr == nil {
		return doc, nil
	}
	if cached != nil && !errors.Is(ferr, domain.ErrActorGone) {
		f.logger.Debug("Using stale actor document", "uri", uri, "err", ferr)
		return cached, nil
	}
	return nil, ferr
}

// RefreshActor bypasses the cache
func (f *CachingFetcher) RefreshActor(ctx context.Context, uri string) (*domain.ActorDocument, error) {
	doc, err := f.fetcher.FetchActor(ctx, uri)
	if errors.Is(err, domain.ErrActorGone) {
		f.Forget(ctx, uri)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := f.db.UpsertRemoteActor(ctx, doc, f.now()); err != nil {
		f.logger.Warn("Failed to cache actor", "uri", uri, "err", err)
	}
	return doc, nil
}

func (f *CachingFetcher) FetchObject(ctx context.Context, uri string) (map[string]interface{}, error) {
	return f.fetcher.FetchObject(ctx, uri)
}

// Forget drops a cached actor
func (f *CachingFetcher) Forget(ctx context.Context, uri string) {
	if err := f.db.DeleteRemoteActor(ctx, uri); err != nil {
		f.logger.Warn("Failed to drop cached actor", "uri", uri, "err", err)
	}
}
