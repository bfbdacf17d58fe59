package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Recipients manages followers of local actors and pages their inboxes
type Recipients struct {
	db          *db.DB
	fetcher     ActorFetcher
	outdatedAge time.Duration
	now         func() time.Time
	logger      *log.Logger
}

func NewRecipients(database *db.DB, fetcher ActorFetcher, outdatedAge time.Duration, now func() time.Time) *Recipients {
	return &Recipients{
		db:          database,
		fetcher:     fetcher,
		outdatedAge: outdatedAge,
		now:         now,
		logger:      log.WithPrefix("Recipients"),
	}
}

// Add resolves remoteURI and subscribes it to the local actor. Adding an
// existing follower refreshes it and returns the existing record id.
func (r *Recipients) Add(ctx context.Context, actorId uuid.UUID, remoteURI string) (uuid.UUID, error) {
	doc, err := r.fetcher.FetchActor(ctx, remoteURI)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve %s: %w", remoteURI, err)
	}
	if doc.Inbox == "" {
		return uuid.Nil, fmt.Errorf("actor %s has no inbox", remoteURI)
	}

	now := r.now()
	follower := &domain.RemoteActor{
		Id:             uuid.New(),
		ActorId:        actorId,
		ActorURI:       doc.ID,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		LastFetchedAt:  now,
		CreatedAt:      now,
	}
	id, err := r.db.UpsertFollower(ctx, follower)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to store follower: %w", err)
	}
	r.logger.Info("Follower added", "actor", actorId, "follower", doc.ID)
	return id, nil
}

func (r *Recipients) Remove(ctx context.Context, actorId uuid.UUID, remoteURI string) error {
	return r.db.DeleteFollower(ctx, actorId, remoteURI)
}

func (r *Recipients) RemoveById(ctx context.Context, id uuid.UUID) error {
	return r.db.DeleteFollowerById(ctx, id)
}

// RemoveEverywhere drops remoteURI from every local actor's followers
func (r *Recipients) RemoveEverywhere(ctx context.Context, remoteURI string) (int64, error) {
	return r.db.DeleteFollowersByURI(ctx, remoteURI)
}

// InboxesFor returns one page of deduplicated delivery inboxes
func (r *Recipients) InboxesFor(ctx context.Context, actorId uuid.UUID, batchSize, offset int) ([]string, error) {
	return r.db.ReadFollowerInboxes(ctx, actorId, batchSize, offset)
}

func (r *Recipients) Followers(ctx context.Context, actorId uuid.UUID) ([]domain.RemoteActor, error) {
	return r.db.ReadFollowersByActorId(ctx, actorId)
}

func (r *Recipients) Count(ctx context.Context, actorId uuid.UUID) (int, error) {
	return r.db.CountFollowers(ctx, actorId)
}

// Outdated returns followers not refreshed within the configured age
func (r *Recipients) Outdated(ctx context.Context, limit int) ([]domain.RemoteActor, error) {
	return r.db.ReadOutdatedFollowers(ctx, r.now().Add(-r.outdatedAge), limit)
}

// Faulty returns followers whose error count reached threshold
func (r *Recipients) Faulty(ctx context.Context, limit, threshold int) ([]domain.RemoteActor, error) {
	return r.db.ReadFaultyFollowers(ctx, threshold, limit)
}

func (r *Recipients) AddError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	return r.db.AddFollowerError(ctx, id, message)
}

func (r *Recipients) ClearErrors(ctx context.Context, id uuid.UUID) error {
	return r.db.ClearFollowerErrors(ctx, id)
}

// Refresh refetches the follower's metadata; success resets its errors
func (r *Recipients) Refresh(ctx context.Context, follower *domain.RemoteActor) error {
	var doc *domain.ActorDocument
	var err error
	if refresher, ok := r.fetcher.(actorRefresher); ok {
		doc, err = refresher.RefreshActor(ctx, follower.ActorURI)
	} else {
		doc, err = r.fetcher.FetchActor(ctx, follower.ActorURI)
	}
	if err != nil {
		return err
	}
	if doc.Inbox == "" {
		return errors.New("actor has no inbox")
	}

	follower.InboxURI = doc.Inbox
	follower.SharedInboxURI = doc.Endpoints.SharedInbox
	follower.LastFetchedAt = r.now()
	follower.ErrorCount = 0
	follower.LastError = ""
	return r.db.RefreshFollower(ctx, follower)
}
