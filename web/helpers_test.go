package web

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"github.com/gin-gonic/gin"
)

// staticFetcher resolves remote actors from memory
type staticFetcher struct {
	mu     sync.Mutex
	actors map[string]*domain.ActorDocument
}

func (f *staticFetcher) FetchActor(ctx context.Context, uri string) (*domain.ActorDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.actors[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrActorGone, uri)
	}
	copied := *doc
	return &copied, nil
}

func (f *staticFetcher) FetchObject(ctx context.Context, uri string) (map[string]interface{}, error) {
	return nil, fmt.Errorf("object %s not found", uri)
}

func newEngine(t *testing.T, host string, fetcher activitypub.Fetcher) *activitypub.Engine {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := util.DefaultConf()
	conf.Conf.SslDomain = host
	conf.Conf.WithInbox = true

	var opts []activitypub.Option
	if fetcher != nil {
		opts = append(opts, activitypub.WithFetcher(fetcher))
	}
	return activitypub.NewEngine(database, conf, opts...)
}

func createActor(t *testing.T, e *activitypub.Engine, username string) *domain.LocalActor {
	t.Helper()
	ctx := context.Background()
	id, err := e.DB.CreateLocalActor(ctx, username)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	actor, err := e.Directory.Actor(ctx, id)
	if err != nil {
		t.Fatalf("Directory.Actor failed: %v", err)
	}
	return actor
}

// federation is a local node with alice and a remote node with bob whose
// key the local node can resolve
type federation struct {
	local  *activitypub.Engine
	remote *activitypub.Engine
	router *gin.Engine
	alice  *domain.LocalActor
	bob    *domain.LocalActor
}

func newFederation(t *testing.T) *federation {
	t.Helper()
	gin.SetMode(gin.TestMode)

	remote := newEngine(t, "remote.example", nil)
	bob := createActor(t, remote, "bob")
	keys := remote.Keys.KeypairFor(context.Background(), bob.Id, false)

	fetcher := &staticFetcher{actors: map[string]*domain.ActorDocument{
		bob.ActorURI: {
			ID:    bob.ActorURI,
			Type:  "Person",
			Inbox: bob.InboxURI,
			PublicKey: domain.PublicKey{
				ID:           bob.KeyID(),
				Owner:        bob.ActorURI,
				PublicKeyPem: keys.Public,
			},
		},
	}}

	local := newEngine(t, "local.example", fetcher)
	return &federation{
		local:  local,
		remote: remote,
		router: NewRouter(local),
		alice:  createActor(t, local, "alice"),
		bob:    bob,
	}
}

// post delivers body to path on the local node, signed by bob when sign is set
func (f *federation) post(t *testing.T, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://local.example"+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", domain.ActivityContentType)
	if sign {
		if err := f.remote.Signer.SignRequest(context.Background(), f.bob, req, body); err != nil {
			t.Fatalf("SignRequest failed: %v", err)
		}
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *federation) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "https://local.example"+path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}
