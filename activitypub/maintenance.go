package activitypub

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/federator/db"
	"github.com/deemkeen/federator/domain"
	"github.com/deemkeen/federator/util"
)

const maintenanceLock = "follower_maintenance"

type MaintenanceReport struct {
	Refreshed int
	Errored   int
	Removed   int
}

// Maintenance refreshes stale followers and evicts broken ones
type Maintenance struct {
	db         *db.DB
	recipients *Recipients
	conf       util.MaintenanceConf
	now        func() time.Time
	logger     *log.Logger
}

func NewMaintenance(database *db.DB, recipients *Recipients, conf util.MaintenanceConf, now func() time.Time) *Maintenance {
	return &Maintenance{
		db:         database,
		recipients: recipients,
		conf:       conf,
		now:        now,
		logger:     log.WithPrefix("Maintenance"),
	}
}

// Run returns domain.ErrLockHeld when another run is in progress
func (m *Maintenance) Run(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	token, ok, err := m.db.AcquireLock(ctx, maintenanceLock, m.now(), m.conf.LockTimeout)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, domain.ErrLockHeld
	}
	defer m.db.ReleaseLock(ctx, maintenanceLock, token)

	outdated, err := m.recipients.Outdated(ctx, m.conf.Batch)
	if err != nil {
		return report, err
	}
	for i := range outdated {
		m.check(ctx, &outdated[i], false, &report)
	}

	faulty, err := m.recipients.Faulty(ctx, m.conf.Batch, m.conf.FaultyThreshold)
	if err != nil {
		return report, err
	}
	for i := range faulty {
		m.check(ctx, &faulty[i], true, &report)
	}
	return report, nil
}

// check refreshes one follower. Gone actors are removed; faulty followers
// that keep failing are removed once they reach the eviction count.
func (m *Maintenance) check(ctx context.Context, f *domain.RemoteActor, faulty bool, report *MaintenanceReport) {
	err := m.recipients.Refresh(ctx, f)
	if err == nil {
		report.Refreshed++
		return
	}

	if errors.Is(err, domain.ErrActorGone) {
		m.remove(ctx, f, report)
		return
	}

	count, aerr := m.recipients.AddError(ctx, f.Id, err.Error())
	if aerr != nil {
		m.logger.Warn("Failed to record follower error", "follower", f.ActorURI, "err", aerr)
		return
	}
	if faulty && count >= m.conf.EvictAfter {
		m.remove(ctx, f, report)
		return
	}
	report.Errored++
}

func (m *Maintenance) remove(ctx context.Context, f *domain.RemoteActor, report *MaintenanceReport) {
	if err := m.recipients.RemoveById(ctx, f.Id); err != nil {
		m.logger.Warn("Failed to remove follower", "follower", f.ActorURI, "err", err)
		return
	}
	m.logger.Info("Removed follower", "follower", f.ActorURI, "errors", f.ErrorCount)
	report.Removed++
}
