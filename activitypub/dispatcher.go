package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"github.com/google/uuid"
)

// DeliveryEvent describes one POST of an activity to an inbox
type DeliveryEvent struct {
	ItemId  uuid.UUID
	ActorId uuid.UUID
	Inbox   string
	Payload []byte
	Status  int // zero when no response was received
	Err     error
	Attempt int
}

func (e DeliveryEvent) Delivered() bool {
	return e.Err == nil && e.Status >= 200 && e.Status < 300
}

// DeliveryPolicy bounds retries of failed inbox deliveries
type DeliveryPolicy struct {
	MaxAttempts       int
	Backoff           []time.Duration
	PermanentStatuses []int
}

func NewDeliveryPolicy(conf util.DeliveryConf) DeliveryPolicy {
	return DeliveryPolicy{
		MaxAttempts:       conf.MaxAttempts,
		Backoff:           conf.Backoff,
		PermanentStatuses: conf.PermanentStatuses,
	}
}

// Delay returns the wait before the given retry; the last step repeats
func (p DeliveryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Minute
	}
	return p.Backoff[min(max(attempt-1, 0), len(p.Backoff)-1)]
}

func (p DeliveryPolicy) IsPermanent(status int) bool {
	for _, s := range p.PermanentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// FollowerPolicy decides whether an activity fans out to the actor's followers
type FollowerPolicy func(actor *domain.LocalActor, activity *domain.Activity) bool

// AddressesFollowers is the default FollowerPolicy: public activities and
// activities addressed to the followers collection go to followers
func AddressesFollowers(actor *domain.LocalActor, activity *domain.Activity) bool {
	return activity.Addresses(domain.PublicCollection) || activity.Addresses(actor.FollowersURI)
}

// Dispatcher delivers outbox items to interactees and followers
type Dispatcher struct {
	db         *db.DB
	outbox     *Outbox
	directory  *Directory
	signer     *Signer
	recipients *Recipients
	scheduler  Scheduler
	client     *http.Client
	userAgent  string
	policy     DeliveryPolicy
	batchSize  int
	now        func() time.Time
	logger     *log.Logger

	mu             sync.RWMutex
	resolvers      []Resolver
	followerPolicy FollowerPolicy
	observers      []func(DeliveryEvent)
}

func NewDispatcher(database *db.DB, outbox *Outbox, directory *Directory, signer *Signer, recipients *Recipients,
	scheduler Scheduler, client *http.Client, conf *util.AppConfig, now func() time.Time) *Dispatcher {
	d := &Dispatcher{
		db:             database,
		outbox:         outbox,
		directory:      directory,
		signer:         signer,
		recipients:     recipients,
		scheduler:      scheduler,
		client:         client,
		userAgent:      conf.Conf.UserAgent,
		policy:         NewDeliveryPolicy(conf.Delivery),
		batchSize:      conf.Delivery.BatchSize,
		now:            now,
		logger:         log.WithPrefix("Dispatcher"),
		followerPolicy: AddressesFollowers,
	}
	d.OnSent(d.logEvent)
	return d
}

// AddResolver registers an interactee resolver
func (d *Dispatcher) AddResolver(r Resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolvers = append(d.resolvers, r)
}

func (d *Dispatcher) SetFollowerPolicy(p FollowerPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followerPolicy = p
}

// OnSent registers an observer for every delivery attempt. Observers may be
// called from several workers at once.
func (d *Dispatcher) OnSent(fn func(DeliveryEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// delivery is an item ready to be posted
type delivery struct {
	item     *domain.OutboxItem
	actor    *domain.LocalActor
	activity *domain.Activity
	payload  []byte
}

// Process delivers a pending item to its interactees and then either
// completes it or schedules the follower fan-out. Items whose actor is gone
// are completed without delivery.
func (d *Dispatcher) Process(ctx context.Context, itemId uuid.UUID) error {
	item, err := d.db.ReadOutboxItem(ctx, itemId)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn("Outbox item vanished", "item", itemId)
		return nil
	}
	if err != nil {
		return err
	}
	if !item.IsPending() {
		return nil
	}

	del, err := d.prepare(ctx, item)
	if err != nil {
		return d.abandon(ctx, item, err)
	}

	failed := d.deliver(ctx, del, d.interactees(ctx, del), 0)
	d.ScheduleRetry(ctx, failed, item.Id, 1)

	d.mu.RLock()
	toFollowers := d.followerPolicy(del.actor, del.activity)
	d.mu.RUnlock()

	if !toFollowers {
		d.logger.Info("Item delivered", "item", item.Id, "type", item.ActivityType)
		return d.db.CompleteOutboxItem(ctx, item.Id)
	}

	if err := d.db.MarkOutboxDispatched(ctx, item.Id, d.now()); err != nil {
		return err
	}
	return d.scheduler.Schedule(ctx, followersJob(item.Id, d.batchSize, 0, d.now()))
}

// SendToFollowers posts the item to one page of follower inboxes starting at
// offset, never behind the persisted offset. It reports true once the
// followers are exhausted and the item is complete; otherwise the next page
// is scheduled.
func (d *Dispatcher) SendToFollowers(ctx context.Context, itemId uuid.UUID, batchSize, offset int) (bool, error) {
	item, err := d.db.ReadOutboxItem(ctx, itemId)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !item.IsPending() {
		return true, nil
	}
	if batchSize <= 0 {
		batchSize = d.batchSize
	}

	del, err := d.prepare(ctx, item)
	if err != nil {
		return true, d.abandon(ctx, item, err)
	}

	offset = max(offset, item.BatchOffset())
	// one extra row tells whether another page exists
	page, err := d.recipients.InboxesFor(ctx, item.ActorId, batchSize+1, offset)
	if err != nil {
		return false, fmt.Errorf("failed to read follower inboxes: %w", err)
	}
	done := len(page) <= batchSize
	if !done {
		page = page[:batchSize]
	}

	failed := d.deliver(ctx, del, d.foreign(page), 0)
	d.ScheduleRetry(ctx, failed, item.Id, 1)

	if done {
		d.logger.Info("Follower batch complete", "item", item.Id, "offset", offset, "sent", len(page))
		return true, d.db.CompleteOutboxItem(ctx, item.Id)
	}

	next := offset + batchSize
	if err := d.db.AdvanceOutboxOffset(ctx, item.Id, next); err != nil {
		return false, err
	}
	d.logger.Debug("Follower batch advanced", "item", item.Id, "offset", next)
	return false, d.scheduler.Schedule(ctx, followersJob(item.Id, batchSize, next, d.now()))
}

// SendToInboxes posts the item to each inbox and returns those that should
// be retried. Permanently rejecting inboxes are dropped.
func (d *Dispatcher) SendToInboxes(ctx context.Context, inboxes []string, itemId uuid.UUID) ([]string, error) {
	item, err := d.db.ReadOutboxItem(ctx, itemId)
	if err != nil {
		return nil, err
	}
	del, err := d.prepare(ctx, item)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, del, inboxes, 0), nil
}

// ScheduleRetry queues one retry per inbox. Inboxes past the attempt limit
// are abandoned.
func (d *Dispatcher) ScheduleRetry(ctx context.Context, inboxes []string, itemId uuid.UUID, attempt int) {
	for _, inbox := range inboxes {
		if attempt > d.policy.MaxAttempts {
			d.logger.Warn("Giving up on delivery", "item", itemId, "inbox", inbox, "attempts", attempt)
			continue
		}
		delay := d.policy.Delay(attempt)
		if err := d.scheduler.Schedule(ctx, retryJob(itemId, inbox, attempt, d.now().Add(delay))); err != nil {
			d.logger.Error("Failed to schedule retry", "item", itemId, "inbox", inbox, "err", err)
			continue
		}
		d.logger.Debug("Retry scheduled", "item", itemId, "inbox", inbox, "attempt", attempt, "in", delay)
	}
}

// RetryInbox reattempts a single failed inbox
func (d *Dispatcher) RetryInbox(ctx context.Context, itemId uuid.UUID, inbox string, attempt int) error {
	item, err := d.db.ReadOutboxItem(ctx, itemId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	del, err := d.prepare(ctx, item)
	if err != nil {
		d.logger.Warn("Dropping retry", "item", itemId, "inbox", inbox, "err", err)
		return nil
	}

	failed := d.deliver(ctx, del, []string{inbox}, attempt)
	d.ScheduleRetry(ctx, failed, itemId, attempt+1)
	return nil
}

func (d *Dispatcher) prepare(ctx context.Context, item *domain.OutboxItem) (*delivery, error) {
	actor, err := d.directory.Actor(ctx, item.ActorId)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrActorUnresolvable, err)
	}
	activity, err := d.outbox.activityOf(ctx, item)
	if err != nil {
		return nil, err
	}
	return &delivery{item: item, actor: actor, activity: activity, payload: []byte(item.ActivityJSON)}, nil
}

// abandon completes an item that can never be delivered
func (d *Dispatcher) abandon(ctx context.Context, item *domain.OutboxItem, reason error) error {
	d.logger.Warn("Completing undeliverable item", "item", item.Id, "err", reason)
	return d.db.CompleteOutboxItem(ctx, item.Id)
}

// interactees merges resolver results, deduplicated and without local inboxes
func (d *Dispatcher) interactees(ctx context.Context, del *delivery) []string {
	d.mu.RLock()
	resolvers := append([]Resolver(nil), d.resolvers...)
	d.mu.RUnlock()

	var inboxes []string
	for _, r := range resolvers {
		found, err := r.Resolve(ctx, del.actor, del.activity)
		if err != nil {
			d.logger.Debug("Resolver failed", "item", del.item.Id, "resolver", fmt.Sprintf("%T", r), "err", err)
		}
		inboxes = appendUnique(inboxes, found...)
	}
	return d.foreign(inboxes)
}

func (d *Dispatcher) foreign(inboxes []string) []string {
	result := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if !d.directory.IsLocal(inbox) {
			result = append(result, inbox)
		}
	}
	return result
}

// deliver posts to each inbox in turn and returns the ones to retry
func (d *Dispatcher) deliver(ctx context.Context, del *delivery, inboxes []string, attempt int) []string {
	var failed []string
	for _, inbox := range inboxes {
		status, err := d.post(ctx, del, inbox)
		d.emit(DeliveryEvent{
			ItemId:  del.item.Id,
			ActorId: del.actor.Id,
			Inbox:   inbox,
			Payload: del.payload,
			Status:  status,
			Err:     err,
			Attempt: attempt,
		})

		switch {
		case err == nil && status >= 200 && status < 300:
		case err == nil && d.policy.IsPermanent(status):
			d.logger.Info("Inbox rejected activity permanently", "item", del.item.Id, "inbox", inbox, "status", status)
		default:
			failed = append(failed, inbox)
		}
	}
	return failed
}

func (d *Dispatcher) post(ctx context.Context, del *delivery, inbox string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(del.payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", domain.ActivityContentType)
	req.Header.Set("Accept", domain.ActivityContentType)
	req.Header.Set("User-Agent", d.userAgent)

	if err := d.signer.SignRequest(ctx, del.actor, req, del.payload); err != nil {
		return 0, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentLen))

	return resp.StatusCode, nil
}

func (d *Dispatcher) emit(event DeliveryEvent) {
	d.mu.RLock()
	observers := slices.Clone(d.observers)
	d.mu.RUnlock()

	for _, fn := range observers {
		fn(event)
	}
}

func (d *Dispatcher) logEvent(e DeliveryEvent) {
	d.logger.Debug("Sent to inbox", "item", e.ItemId, "inbox", e.Inbox, "status", e.Status, "attempt", e.Attempt, "err", e.Err)
}
