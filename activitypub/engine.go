package activitypub

import (
	"net/http"
	"time"

	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/util"
)

// Engine wires the federation components around one database
type Engine struct {
	Conf        *util.AppConfig
	DB          *db.DB
	Directory   *Directory
	Keys        *KeyStore
	Signer      *Signer
	Verifier    *Verifier
	Fetcher     *CachingFetcher
	Recipients  *Recipients
	Scheduler   *JobScheduler
	Outbox      *Outbox
	Dispatcher  *Dispatcher
	Maintenance *Maintenance
	Worker      *Worker
}

type options struct {
	client     *http.Client
	now        func() time.Time
	classifier Classifier
	fetcher    Fetcher
}

type Option func(*options)

// WithHTTPClient sets the client used for deliveries and fetches
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithClassifier(c Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithFetcher replaces the network fetcher behind the actor cache
func WithFetcher(f Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

func NewEngine(database *db.DB, conf *util.AppConfig, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: conf.Delivery.Timeout}
	}
	if o.fetcher == nil {
		o.fetcher = NewHTTPFetcher(o.client, conf.Conf.UserAgent)
	}

	e := &Engine{Conf: conf, DB: database}
	e.Directory = NewDirectory(database, conf.Conf.SslDomain)
	e.Keys = NewKeyStore(database, conf.Maintenance.LockTimeout, o.now)
	e.Signer = NewSigner(e.Keys, e.Directory, o.now)
	e.Fetcher = NewCachingFetcher(database, o.fetcher, o.now)
	e.Verifier = NewVerifier(e.Fetcher, conf.Signature.MaxClockSkew, o.now)
	e.Recipients = NewRecipients(database, e.Fetcher, conf.Maintenance.OutdatedAge, o.now)
	e.Scheduler = NewJobScheduler(database, o.now)
	e.Outbox = NewOutbox(database, e.Directory, e.Scheduler, o.classifier, o.now)
	e.Dispatcher = NewDispatcher(database, e.Outbox, e.Directory, e.Signer, e.Recipients, e.Scheduler, o.client, conf, o.now)
	e.Dispatcher.AddResolver(NewMentionResolver(e.Fetcher, e.Directory))
	e.Dispatcher.AddResolver(NewReplyResolver(e.Fetcher, e.Directory))
	e.Dispatcher.AddResolver(NewRelayResolver(conf.Relays))
	e.Maintenance = NewMaintenance(database, e.Recipients, conf.Maintenance, o.now)
	e.Worker = NewWorker(database, e.Dispatcher, e.Maintenance, e.Scheduler, conf, o.now)
	return e
}
