package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"github.com/google/uuid"
)

const localDomain = "local.example"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testConfig() *util.AppConfig {
	conf := util.DefaultConf()
	conf.Conf.SslDomain = localDomain
	return conf
}

func setupEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return NewEngine(setupTestDB(t), testConfig(), opts...)
}

func createActor(t *testing.T, e *Engine, username string) *domain.LocalActor {
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

type recordedPost struct {
	Path   string
	Host   string
	Header http.Header
	Body   []byte
}

// remoteServer plays a remote instance: it serves actor documents and
// objects and records every inbox POST
type remoteServer struct {
	*httptest.Server

	mu      sync.Mutex
	docs    map[string]interface{}
	posts   []recordedPost
	hits    map[string]int
	respond func(path string, hit int) int
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	s := &remoteServer{
		docs: make(map[string]interface{}),
		hits: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		s.posts = append(s.posts, recordedPost{Path: r.URL.Path, Host: r.Host, Header: r.Header.Clone(), Body: body})
		s.hits[r.URL.Path]++
		status := http.StatusAccepted
		if s.respond != nil {
			status = s.respond(r.URL.Path, s.hits[r.URL.Path])
		}
		w.WriteHeader(status)
		return
	}

	doc, ok := s.docs[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", domain.ActivityContentType)
	json.NewEncoder(w).Encode(doc)
}

// addActor publishes an actor and returns its URI. With shared set the actor
// advertises the server-wide shared inbox.
func (s *remoteServer) addActor(name string, shared bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	uri := s.URL + "/users/" + name
	doc := &domain.ActorDocument{
		Context: domain.ActivityStreamsContext,
		ID:      uri,
		Type:    "Person",
		Inbox:   uri + "/inbox",
	}
	if shared {
		doc.Endpoints.SharedInbox = s.URL + "/inbox"
	}
	s.docs["/users/"+name] = doc
	return uri
}

func (s *remoteServer) setDoc(path string, doc interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = doc
}

func (s *remoteServer) removeDoc(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
}

func (s *remoteServer) setResponder(fn func(path string, hit int) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = fn
}

func (s *remoteServer) recorded() []recordedPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedPost(nil), s.posts...)
}

func (s *remoteServer) postedPaths() []string {
	var paths []string
	for _, p := range s.recorded() {
		paths = append(paths, p.Path)
	}
	return paths
}

// staticFetcher serves fixed documents without touching the network
type staticFetcher struct {
	mu      sync.Mutex
	actors  map[string]*domain.ActorDocument
	objects map[string]map[string]interface{}
	calls   int
}

func newStaticFetcher() *staticFetcher {
	return &staticFetcher{
		actors:  make(map[string]*domain.ActorDocument),
		objects: make(map[string]map[string]interface{}),
	}
}

func (f *staticFetcher) FetchActor(ctx context.Context, uri string) (*domain.ActorDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	doc, ok := f.actors[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrActorGone, uri)
	}
	copied := *doc
	return &copied, nil
}

func (f *staticFetcher) FetchObject(ctx context.Context, uri string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %s not found", uri)
	}
	return obj, nil
}

func (f *staticFetcher) setKey(actorURI, keyPem string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &domain.ActorDocument{ID: actorURI, Type: "Person", Inbox: actorURI + "/inbox"}
	doc.PublicKey = domain.PublicKey{ID: actorURI + "#main-key", Owner: actorURI, PublicKeyPem: keyPem}
	f.actors[actorURI] = doc
}

func (f *staticFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func addFollower(t *testing.T, e *Engine, actorId uuid.UUID, actorURI, inbox, shared string) {
	t.Helper()
	now := time.Now()
	_, err := e.DB.UpsertFollower(context.Background(), &domain.RemoteActor{
		Id:             uuid.New(),
		ActorId:        actorId,
		ActorURI:       actorURI,
		InboxURI:       inbox,
		SharedInboxURI: shared,
		LastFetchedAt:  now,
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("UpsertFollower failed: %v", err)
	}
}

func note(id string, extra map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"id":      id,
		"type":    "Note",
		"content": "hello fediverse",
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func itemStatus(t *testing.T, e *Engine, id uuid.UUID) domain.OutboxStatus {
	t.Helper()
	item, err := e.DB.ReadOutboxItem(context.Background(), id)
	if err != nil {
		t.Fatalf("ReadOutboxItem failed: %v", err)
	}
	return item.Status
}

func countJobs(t *testing.T, e *Engine, kind domain.JobKind) int {
	t.Helper()
	jobs, err := e.DB.ReadPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("ReadPendingJobs failed: %v", err)
	}
	n := 0
	for _, j := range jobs {
		if j.Kind == kind {
			n++
		}
	}
	return n
}
