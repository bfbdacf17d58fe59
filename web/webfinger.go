package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/federator/activitypub"
	"github.com/deemkeen/federator/domain"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger resolves an acct: resource to the actor URI. Resources for
// other domains are reported as not found.
func GetWebfinger(ctx context.Context, e *activitypub.Engine, resource string) ([]byte, error) {
	username, ok := parseResource(resource, e.Directory.Domain())
	if !ok {
		return nil, &domain.NotFoundError{Kind: "webfinger resource", ID: resource}
	}

	acc, err := e.Directory.ActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	return json.Marshal(webfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, e.Directory.Domain()),
		Aliases: []string{acc.ActorURI},
		Links: []webfingerLink{{
			Rel:  "self",
			Type: domain.ActivityContentType,
			Href: acc.ActorURI,
		}},
	})
}

func GetWebFingerNotFound() []byte {
	return []byte(`{"detail":"Not Found"}`)
}

func parseResource(resource, host string) (string, bool) {
	acct := strings.TrimPrefix(resource, "acct:")
	user, domainPart, found := strings.Cut(acct, "@")
	if !found || user == "" || !strings.EqualFold(domainPart, host) {
		return "", false
	}
	return user, true
}
