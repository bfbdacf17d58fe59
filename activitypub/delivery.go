package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
	"golang.org/x/sync/errgroup"
)

const lockRetryDelay = time.Minute

// Worker runs due jobs from the scheduler on a fixed interval
type Worker struct {
	db                  *db.DB
	dispatcher          *Dispatcher
	maintenance         *Maintenance
	scheduler           Scheduler
	interval            time.Duration
	concurrency         int
	batch               int
	batchSize           int
	staleAfter          time.Duration
	maintenanceInterval time.Duration
	now                 func() time.Time
	logger              *log.Logger
}

func NewWorker(database *db.DB, dispatcher *Dispatcher, maintenance *Maintenance, scheduler Scheduler, conf *util.AppConfig, now func() time.Time) *Worker {
	return &Worker{
		db:                  database,
		dispatcher:          dispatcher,
		maintenance:         maintenance,
		scheduler:           scheduler,
		interval:            conf.Delivery.WorkerInterval,
		concurrency:         conf.Delivery.Concurrency,
		batch:               conf.Delivery.BatchSize,
		batchSize:           conf.Delivery.BatchSize,
		staleAfter:          conf.Maintenance.LockTimeout,
		maintenanceInterval: conf.Maintenance.Interval,
		now:                 now,
		logger:              log.WithPrefix("Worker"),
	}
}

// Start runs the worker in the background until ctx is done
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting delivery worker", "interval", w.interval, "concurrency", w.concurrency)

	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Worker pass failed", "err", err)
			}
			select {
			case <-ctx.Done():
				w.logger.Info("Delivery worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// RunOnce recovers interrupted work, then runs the jobs that are due and
// returns how many were run
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	if err := w.db.RecoverStaleJobs(ctx, now.Add(-w.staleAfter)); err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	w.resume(ctx)
	w.ensureMaintenance(ctx)

	jobs, err := w.db.ClaimDueJobs(ctx, now, w.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.logger.Debug("Running jobs", "count", len(jobs))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.run(ctx, job)
			return nil
		})
	}
	g.Wait()

	return len(jobs), nil
}

func (w *Worker) run(ctx context.Context, job domain.Job) {
	if err := w.handle(ctx, job); err != nil {
		w.logger.Warn("Job failed", "kind", job.Kind, "item", job.ItemId, "offset", job.Offset, "err", err)
		if err := w.db.ReleaseJob(ctx, job.Id, w.now().Add(w.interval), err.Error()); err != nil {
			w.logger.Error("Failed to release job", "job", job.Id, "err", err)
		}
		return
	}
	if err := w.db.DeleteJob(ctx, job.Id); err != nil {
		w.logger.Error("Failed to delete job", "job", job.Id, "err", err)
	}
}

func (w *Worker) handle(ctx context.Context, job domain.Job) error {
	switch job.Kind {
	case domain.JobProcess:
		return w.dispatcher.Process(ctx, job.ItemId)
	case domain.JobFollowers:
		_, err := w.dispatcher.SendToFollowers(ctx, job.ItemId, job.BatchSize, job.Offset)
		return err
	case domain.JobRetry:
		return w.dispatcher.RetryInbox(ctx, job.ItemId, job.Inbox, job.Attempt)
	case domain.JobMaintenance:
		return w.runMaintenance(ctx)
	}
	w.logger.Warn("Dropping job of unknown kind", "kind", job.Kind, "job", job.Id)
	return nil
}

// resume schedules pending items that lost their job: undispatched items are
// processed again, dispatched ones continue at their persisted offset
func (w *Worker) resume(ctx context.Context) {
	items, err := w.db.ReadOrphanedOutboxItems(ctx, w.batch)
	if err != nil {
		w.logger.Error("Failed to read pending items", "err", err)
		return
	}

	for _, item := range items {
		job := processJob(item.Id, w.now())
		if item.DispatchedAt != nil {
			job = followersJob(item.Id, w.batchSize, item.BatchOffset(), w.now())
		}
		w.logger.Info("Resuming outbox item", "item", item.Id, "kind", job.Kind, "offset", job.Offset)
		if err := w.scheduler.Schedule(ctx, job); err != nil {
			w.logger.Error("Failed to resume item", "item", item.Id, "err", err)
		}
	}
}

func (w *Worker) ensureMaintenance(ctx context.Context) {
	if w.maintenance == nil {
		return
	}
	if _, ok, err := w.scheduler.NextScheduled(ctx, maintenanceKey); err != nil || ok {
		return
	}
	if err := w.scheduler.Schedule(ctx, maintenanceJob(w.now().Add(w.maintenanceInterval))); err != nil {
		w.logger.Error("Failed to schedule maintenance", "err", err)
	}
}

// runMaintenance defers instead of failing when another node holds the lock
func (w *Worker) runMaintenance(ctx context.Context) error {
	next := w.now().Add(w.maintenanceInterval)

	report, err := w.maintenance.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		w.logger.Debug("Maintenance lock held, deferring")
		next = w.now().Add(lockRetryDelay)
	case err != nil:
		return err
	default:
		w.logger.Info("Maintenance finished", "refreshed", report.Refreshed, "errored", report.Errored, "removed", report.Removed)
	}

	return w.scheduler.Schedule(ctx, maintenanceJob(next))
}
