package web

import (
	"context"
	"encoding/json"

	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/domain"
)

// GetActor renders the Person document remote servers fetch to find a
// local actor's inbox and signing key
func GetActor(ctx context.Context, e *activitypub.Engine, username string) ([]byte, error) {
	acc, err := e.Directory.ActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	keys := e.Keys.KeypairFor(ctx, acc.Id, false)

	doc := domain.ActorDocument{
		Context:           []string{domain.ActivityStreamsContext, domain.SecurityContext},
		ID:                acc.ActorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Inbox:             acc.InboxURI,
		Outbox:            acc.ActorURI + "/outbox",
		Followers:         acc.FollowersURI,
		Endpoints:         domain.ActorEndpoints{SharedInbox: acc.SharedInbox},
		PublicKey: domain.PublicKey{
			ID:           acc.KeyID(),
			Owner:        acc.ActorURI,
			PublicKeyPem: keys.Public,
		},
	}
	return json.Marshal(doc)
}

// GetFollowers renders the followers collection of a local actor. Only the
// count is published.
func GetFollowers(ctx context.Context, e *activitypub.Engine, username string) ([]byte, error) {
	acc, err := e.Directory.ActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	total, err := e.Recipients.Count(ctx, acc.Id)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"@context":   domain.ActivityStreamsContext,
		"id":         acc.FollowersURI,
		"type":       "OrderedCollection",
		"totalItems": total,
	})
}
