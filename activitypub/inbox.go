package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/domain"
)

var (
	ErrActorMismatch   = errors.New("activity actor does not own the signing key")
	ErrInvalidActivity = errors.New("invalid activity")
)

// Inbox applies verified inbound activities that affect delivery state
type Inbox struct {
	directory  *Directory
	recipients *Recipients
	outbox     *Outbox
	fetcher    *CachingFetcher
	logger     *log.Logger
}

func NewInbox(e *Engine) *Inbox {
	return &Inbox{
		directory:  e.Directory,
		recipients: e.Recipients,
		outbox:     e.Outbox,
		fetcher:    e.Fetcher,
		logger:     log.WithPrefix("Inbox"),
	}
}

// Handle processes an activity whose signature was made by signer. username
// is empty for the shared inbox.
func (i *Inbox) Handle(ctx context.Context, signer string, body []byte, username string) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	var activity domain.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if activity.Type == "" || activity.Actor == "" {
		return fmt.Errorf("%w: missing type or actor", ErrInvalidActivity)
	}
	if activity.Actor != signer {
		return fmt.Errorf("%w: %s signed for %s", ErrActorMismatch, signer, activity.Actor)
	}

	i.logger.Info("Received activity", "type", activity.Type, "actor", activity.Actor)

	switch activity.Type {
	case "Follow":
		return i.handleFollow(ctx, &activity, raw, username)
	case "Undo":
		return i.handleUndo(ctx, &activity, username)
	case "Delete":
		return i.handleDelete(ctx, &activity)
	case "Update":
		return i.handleUpdate(ctx, &activity)
	}
	i.logger.Debug("Ignoring activity", "type", activity.Type, "id", activity.ID)
	return nil
}

func (i *Inbox) handleFollow(ctx context.Context, activity *domain.Activity, raw map[string]interface{}, username string) error {
	actor, err := i.localTarget(ctx, activity.ObjectID(), username)
	if err != nil {
		return err
	}

	if _, err := i.recipients.Add(ctx, actor.Id, activity.Actor); err != nil {
		return fmt.Errorf("failed to add follower: %w", err)
	}

	_, err = i.outbox.EnqueueTo(ctx, raw, "Accept", actor.Id, domain.VisibilityDirect, []string{activity.Actor})
	return err
}

func (i *Inbox) handleUndo(ctx context.Context, activity *domain.Activity, username string) error {
	inner, ok := activity.Object.(map[string]interface{})
	if !ok || inner["type"] != "Follow" {
		i.logger.Debug("Ignoring Undo", "object", activity.ObjectID())
		return nil
	}

	actor, err := i.localTarget(ctx, domain.ObjectID(inner["object"]), username)
	if err != nil {
		return err
	}
	i.logger.Info("Follower left", "actor", actor.Username, "follower", activity.Actor)
	return i.recipients.Remove(ctx, actor.Id, activity.Actor)
}

// handleDelete drops a remote actor that deleted itself
func (i *Inbox) handleDelete(ctx context.Context, activity *domain.Activity) error {
	if activity.ObjectID() != activity.Actor {
		return nil
	}

	n, err := i.recipients.RemoveEverywhere(ctx, activity.Actor)
	if err != nil {
		return err
	}
	i.fetcher.Forget(ctx, activity.Actor)
	i.logger.Info("Remote actor deleted", "actor", activity.Actor, "followers_removed", n)
	return nil
}

// handleUpdate refreshes the cached profile when an actor updates itself
func (i *Inbox) handleUpdate(ctx context.Context, activity *domain.Activity) error {
	if activity.ObjectID() != activity.Actor {
		return nil
	}
	if _, err := i.fetcher.RefreshActor(ctx, activity.Actor); err != nil {
		i.logger.Warn("Failed to refresh updated actor", "actor", activity.Actor, "err", err)
	}
	return nil
}

// localTarget finds the local actor an activity addresses
func (i *Inbox) localTarget(ctx context.Context, objectURI, username string) (*domain.LocalActor, error) {
	if username == "" {
		u, err := url.Parse(objectURI)
		if err != nil || !i.directory.IsLocal(objectURI) {
			return nil, fmt.Errorf("%w: %s is not a local actor", ErrInvalidActivity, objectURI)
		}
		username = path.Base(u.Path)
	}

	actor, err := i.directory.ActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if objectURI != "" && objectURI != actor.ActorURI {
		return nil, fmt.Errorf("%w: %s is not %s", ErrInvalidActivity, objectURI, actor.ActorURI)
	}
	return actor, nil
}
