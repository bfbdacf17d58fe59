package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Classifier decides whether an object may be federated at all
type Classifier interface {
	IsPostDisabled(object interface{}) bool
}

type ClassifierFunc func(object interface{}) bool

func (f ClassifierFunc) IsPostDisabled(object interface{}) bool {
	return f(object)
}

// Outbox turns local objects into queued activities
type Outbox struct {
	db         *db.DB
	directory  *Directory
	scheduler  Scheduler
	classifier Classifier
	now        func() time.Time
	logger     *log.Logger
}

func NewOutbox(database *db.DB, directory *Directory, scheduler Scheduler, classifier Classifier, now func() time.Time) *Outbox {
	return &Outbox{
		db:         database,
		directory:  directory,
		scheduler:  scheduler,
		classifier: classifier,
		now:        now,
		logger:     log.WithPrefix("Outbox"),
	}
}

// envelope describes the activity to wrap around an object
type envelope struct {
	object       interface{}
	target       interface{}
	activityType string
	visibility   domain.Visibility
	to           []string
	cc           []string
}

// Enqueue wraps object in an activity of the given type and queues it.
// A pending item for the same object and type is completed without being
// delivered; a Delete completes every pending item for the object.
func (o *Outbox) Enqueue(ctx context.Context, object interface{}, activityType string, actorId uuid.UUID, visibility domain.Visibility) (uuid.UUID, error) {
	return o.enqueue(ctx, actorId, envelope{object: object, activityType: activityType, visibility: visibility})
}

// EnqueueTo is Enqueue with additional direct recipients
func (o *Outbox) EnqueueTo(ctx context.Context, object interface{}, activityType string, actorId uuid.UUID, visibility domain.Visibility, recipients []string) (uuid.UUID, error) {
	return o.enqueue(ctx, actorId, envelope{object: object, activityType: activityType, visibility: visibility, to: recipients})
}

// Undo queues the inverse of an item: Create becomes Delete of the bare
// object id, Add becomes Remove, anything else is wrapped in an Undo
func (o *Outbox) Undo(ctx context.Context, itemId uuid.UUID) (uuid.UUID, error) {
	item, err := o.db.ReadOutboxItem(ctx, itemId)
	if err != nil {
		return uuid.Nil, err
	}
	activity, err := o.activityOf(ctx, item)
	if err != nil {
		return uuid.Nil, err
	}

	env := envelope{visibility: item.Visibility, to: activity.To, cc: activity.Cc}
	switch item.ActivityType {
	case "Create":
		env.activityType = "Delete"
		env.object = activity.ObjectID()
	case "Add":
		env.activityType = "Remove"
		env.object = activity.Object
		env.target = activity.Target
	default:
		env.activityType = "Undo"
		env.object = activity
	}
	return o.enqueue(ctx, item.ActorId, env)
}

// Reschedule makes a completed or in-progress item deliver again from the start
func (o *Outbox) Reschedule(ctx context.Context, itemId uuid.UUID) error {
	if err := o.db.RescheduleOutboxItem(ctx, itemId); err != nil {
		return err
	}
	if err := o.scheduler.UnscheduleItem(ctx, itemId); err != nil {
		return err
	}
	return o.scheduler.Schedule(ctx, processJob(itemId, o.now()))
}

// GetActivity rehydrates the activity stored for an item
func (o *Outbox) GetActivity(ctx context.Context, itemId uuid.UUID) (*domain.Activity, error) {
	item, err := o.db.ReadOutboxItem(ctx, itemId)
	if err != nil {
		return nil, err
	}
	return o.activityOf(ctx, item)
}

func (o *Outbox) activityOf(ctx context.Context, item *domain.OutboxItem) (*domain.Activity, error) {
	var activity domain.Activity
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return nil, fmt.Errorf("failed to parse activity of item %s: %w", item.Id, err)
	}
	if activity.Type == "" {
		activity.Type = item.ActivityType
	}
	if activity.Actor == "" {
		if actor, err := o.directory.Actor(ctx, item.ActorId); err == nil {
			activity.Actor = actor.ActorURI
		}
	}
	return &activity, nil
}

func (o *Outbox) enqueue(ctx context.Context, actorId uuid.UUID, env envelope) (uuid.UUID, error) {
	actor, err := o.directory.Actor(ctx, actorId)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrActorUnresolvable, err)
	}
	if o.classifier != nil && carriesContent(env.activityType) && o.classifier.IsPostDisabled(env.object) {
		return uuid.Nil, domain.ErrFederationDisabled
	}
	if env.visibility == "" {
		env.visibility = domain.VisibilityPublic
	}
	if env.object, err = normalizeObject(env.object); err != nil {
		return uuid.Nil, err
	}
	if env.target, err = normalizeObject(env.target); err != nil {
		return uuid.Nil, err
	}

	now := o.now()
	itemId := uuid.New()
	activity := buildActivity(actor, itemId, env, now)

	objectId := activity.ObjectID()
	if objectId == "" {
		objectId = activity.ID
	}
	raw, err := json.Marshal(activity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize activity: %w", err)
	}

	item := &domain.OutboxItem{
		Id:           itemId,
		ActorId:      actor.Id,
		ActivityType: env.activityType,
		ObjectId:     objectId,
		ActivityJSON: string(raw),
		Status:       domain.StatusPending,
		Visibility:   env.visibility,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	invalidated, err := o.db.CreateOutboxItem(ctx, item, env.activityType == "Delete")
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to queue activity: %w", err)
	}
	for _, id := range invalidated {
		o.logger.Debug("Superseded pending item", "item", id, "by", itemId, "object", objectId)
		if err := o.scheduler.UnscheduleItem(ctx, id); err != nil {
			o.logger.Warn("Failed to unschedule superseded item", "item", id, "err", err)
		}
	}

	// the worker resumes pending items without a job, so this is not fatal
	if err := o.scheduler.Schedule(ctx, processJob(itemId, now)); err != nil {
		o.logger.Warn("Failed to schedule item", "item", itemId, "err", err)
	}

	o.logger.Info("Queued activity", "item", itemId, "type", env.activityType, "object", objectId, "actor", actor.Username)
	return itemId, nil
}

func buildActivity(actor *domain.LocalActor, itemId uuid.UUID, env envelope, now time.Time) *domain.Activity {
	var to, cc []string
	switch env.visibility {
	case domain.VisibilityPublic:
		to = []string{domain.PublicCollection}
		cc = []string{actor.FollowersURI}
	case domain.VisibilityUnlisted:
		to = []string{actor.FollowersURI}
		cc = []string{domain.PublicCollection}
	case domain.VisibilityFollowers:
		to = []string{actor.FollowersURI}
	}
	objectTo, objectCc := audienceOf(env.object)
	to = appendUnique(to, env.to...)
	to = appendUnique(to, objectTo...)
	cc = appendUnique(cc, env.cc...)
	cc = appendUnique(cc, objectCc...)

	object := env.object
	if env.activityType == "Like" || env.activityType == "Delete" {
		if id := domain.ObjectID(object); id != "" {
			object = id
		}
	}

	return &domain.Activity{
		Context:   domain.ActivityStreamsContext,
		ID:        fmt.Sprintf("%s/activities/%s", actor.ActorURI, itemId),
		Type:      env.activityType,
		Actor:     actor.ActorURI,
		Object:    object,
		Target:    env.target,
		To:        to,
		Cc:        cc,
		Published: now.UTC().Format(time.RFC3339),
	}
}

// normalizeObject converts typed objects to their generic JSON form so the
// id, audience and reply target can be read from them
func normalizeObject(object interface{}) (interface{}, error) {
	switch object.(type) {
	case nil, string, map[string]interface{}:
		return object, nil
	}
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize object: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to serialize object: %w", err)
	}
	return generic, nil
}

func carriesContent(activityType string) bool {
	switch activityType {
	case "Create", "Update", "Announce":
		return true
	}
	return false
}

func audienceOf(object interface{}) ([]string, []string) {
	switch obj := object.(type) {
	case *domain.Activity:
		return obj.To, obj.Cc
	case map[string]interface{}:
		return stringList(obj["to"]), stringList(obj["cc"])
	}
	return nil, nil
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		var list []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		return list
	}
	return nil
}

// appendUnique appends values not yet in list, keeping order
func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
