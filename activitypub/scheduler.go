package activitypub

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

// Scheduler stores deferred work. At most one pending job exists per key.
type Scheduler interface {
	Schedule(ctx context.Context, job domain.Job) error
	NextScheduled(ctx context.Context, key domain.JobKey) (time.Time, bool, error)
	Unschedule(ctx context.Context, key domain.JobKey) error
	UnscheduleItem(ctx context.Context, itemId uuid.UUID) error
}

// JobScheduler keeps jobs in the database for the Worker to pick up
type JobScheduler struct {
	db     *db.DB
	now    func() time.Time
	logger *log.Logger
}

func NewJobScheduler(database *db.DB, now func() time.Time) *JobScheduler {
	return &JobScheduler{db: database, now: now, logger: log.WithPrefix("Scheduler")}
}

// Schedule is a no-op when an identical job is already pending
func (s *JobScheduler) Schedule(ctx context.Context, job domain.Job) error {
	now := s.now()
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}
	job.Status = domain.JobPending
	job.CreatedAt = now

	inserted, err := s.db.InsertJob(ctx, &job)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("Job already scheduled", "kind", job.Kind, "item", job.ItemId, "offset", job.Offset, "inbox", job.Inbox)
	}
	return nil
}

func (s *JobScheduler) NextScheduled(ctx context.Context, key domain.JobKey) (time.Time, bool, error) {
	return s.db.NextJob(ctx, key)
}

func (s *JobScheduler) Unschedule(ctx context.Context, key domain.JobKey) error {
	return s.db.DeleteJobByKey(ctx, key)
}

// UnscheduleItem drops every pending job of an outbox item
func (s *JobScheduler) UnscheduleItem(ctx context.Context, itemId uuid.UUID) error {
	return s.db.DeleteItemJobs(ctx, itemId)
}

func processJob(itemId uuid.UUID, at time.Time) domain.Job {
	return domain.Job{Kind: domain.JobProcess, ItemId: itemId, NotBefore: at}
}

func followersJob(itemId uuid.UUID, batchSize, offset int, at time.Time) domain.Job {
	return domain.Job{Kind: domain.JobFollowers, ItemId: itemId, BatchSize: batchSize, Offset: offset, NotBefore: at}
}

func retryJob(itemId uuid.UUID, inbox string, attempt int, at time.Time) domain.Job {
	return domain.Job{Kind: domain.JobRetry, ItemId: itemId, Inbox: inbox, Attempt: attempt, NotBefore: at}
}

func maintenanceJob(at time.Time) domain.Job {
	return domain.Job{Kind: domain.JobMaintenance, NotBefore: at}
}

var maintenanceKey = domain.JobKey{Kind: domain.JobMaintenance}
