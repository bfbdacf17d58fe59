package activitypub

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Directory resolves local actors and derives their public URIs
type Directory struct {
	db     *db.DB
	domain string
}

func NewDirectory(database *db.DB, sslDomain string) *Directory {
	return &Directory{db: database, domain: sslDomain}
}

func (d *Directory) Actor(ctx context.Context, id uuid.UUID) (*domain.LocalActor, error) {
	acc, err := d.db.ReadLocalActorById(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.withURIs(acc), nil
}

func (d *Directory) ActorByUsername(ctx context.Context, username string) (*domain.LocalActor, error) {
	acc, err := d.db.ReadLocalActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return d.withURIs(acc), nil
}

// Domain is the host local actor URIs live on
func (d *Directory) Domain() string {
	return d.domain
}

// IsLocal reports whether uri points at this node
func (d *Directory) IsLocal(uri string) bool {
	return sameHost(uri, d.domain)
}

func (d *Directory) withURIs(acc *domain.LocalActor) *domain.LocalActor {
	acc.ActorURI = fmt.Sprintf("https://%s/users/%s", d.domain, acc.Username)
	acc.InboxURI = acc.ActorURI + "/inbox"
	acc.FollowersURI = acc.ActorURI + "/followers"
	acc.SharedInbox = fmt.Sprintf("https://%s/inbox", d.domain)
	return acc
}

func sameHost(uri, host string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
