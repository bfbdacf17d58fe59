package activitypub

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/domain"
)

// Resolver contributes interactee inboxes for an outgoing activity.
// Resolvers run in registration order and their results are merged.
type Resolver interface {
	Resolve(ctx context.Context, actor *domain.LocalActor, activity *domain.Activity) ([]string, error)
}

// MentionResolver delivers to remote actors named in the audience or
// mentioned in the object's tags
type MentionResolver struct {
	fetcher   ActorFetcher
	directory *Directory
	logger    *log.Logger
}

func NewMentionResolver(fetcher ActorFetcher, directory *Directory) *MentionResolver {
	return &MentionResolver{fetcher: fetcher, directory: directory, logger: log.WithPrefix("Resolver")}
}

func (m *MentionResolver) Resolve(ctx context.Context, actor *domain.LocalActor, activity *domain.Activity) ([]string, error) {
	shared := activity.Addresses(domain.PublicCollection)
	candidates := append(activity.Audience(), mentionedActors(activity.Object)...)

	seen := make(map[string]bool)
	var inboxes []string
	for _, uri := range candidates {
		if uri == "" || uri == domain.PublicCollection || uri == actor.FollowersURI || seen[uri] || m.directory.IsLocal(uri) {
			continue
		}
		seen[uri] = true

		doc, err := m.fetcher.FetchActor(ctx, uri)
		if err != nil {
			m.logger.Debug("Skipping unresolvable audience entry", "uri", uri, "err", err)
			continue
		}
		if inbox := inboxOf(doc, shared); inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, nil
}

// ReplyResolver delivers to the author of the object being replied to
type ReplyResolver struct {
	fetcher   Fetcher
	directory *Directory
}

func NewReplyResolver(fetcher Fetcher, directory *Directory) *ReplyResolver {
	return &ReplyResolver{fetcher: fetcher, directory: directory}
}

func (r *ReplyResolver) Resolve(ctx context.Context, actor *domain.LocalActor, activity *domain.Activity) ([]string, error) {
	target := activity.InReplyTo()
	if target == "" || r.directory.IsLocal(target) {
		return nil, nil
	}

	obj, err := r.fetcher.FetchObject(ctx, target)
	if err != nil {
		return nil, err
	}

	shared := activity.Addresses(domain.PublicCollection)
	var inboxes []string
	for _, author := range objectIDs(obj["attributedTo"]) {
		if r.directory.IsLocal(author) {
			continue
		}
		doc, err := r.fetcher.FetchActor(ctx, author)
		if err != nil {
			return inboxes, err
		}
		if inbox := inboxOf(doc, shared); inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, nil
}

// RelayResolver forwards public activities to configured relay inboxes
type RelayResolver struct {
	inboxes []string
}

func NewRelayResolver(inboxes []string) *RelayResolver {
	return &RelayResolver{inboxes: inboxes}
}

func (r *RelayResolver) Resolve(ctx context.Context, actor *domain.LocalActor, activity *domain.Activity) ([]string, error) {
	if !activity.Addresses(domain.PublicCollection) {
		return nil, nil
	}
	return append([]string(nil), r.inboxes...), nil
}

// inboxOf prefers the shared inbox unless the delivery is private
func inboxOf(doc *domain.ActorDocument, shared bool) string {
	if shared && doc.Endpoints.SharedInbox != "" {
		return doc.Endpoints.SharedInbox
	}
	return doc.Inbox
}

func mentionedActors(object interface{}) []string {
	obj, ok := object.(map[string]interface{})
	if !ok {
		return nil
	}
	tags, _ := obj["tag"].([]interface{})

	var hrefs []string
	for _, t := range tags {
		tag, ok := t.(map[string]interface{})
		if !ok || tag["type"] != "Mention" {
			continue
		}
		if href, ok := tag["href"].(string); ok {
			hrefs = append(hrefs, href)
		}
	}
	return hrefs
}

// objectIDs flattens a property that may hold a URI, an object or a list of either
func objectIDs(value interface{}) []string {
	if list, ok := value.([]interface{}); ok {
		var ids []string
		for _, v := range list {
			if id := domain.ObjectID(v); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if id := domain.ObjectID(value); id != "" {
		return []string{id}
	}
	return nil
}
