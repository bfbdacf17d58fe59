package activitypub

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/federator/domain"
	"github.com/google/uuid"
)

func TestScheduleDeduplicatesPendingJobs(t *testing.T) {
	clock := newFakeClock()
	e := setupEngine(t, WithClock(clock.Now))
	ctx := context.Background()
	itemId := uuid.New()

	first := clock.Now().Add(time.Minute)
	if err := e.Scheduler.Schedule(ctx, processJob(itemId, first)); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := e.Scheduler.Schedule(ctx, processJob(itemId, first.Add(time.Hour))); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if n := countJobs(t, e, domain.JobProcess); n != 1 {
		t.Fatalf("Expected 1 process job, got %d", n)
	}
	at, ok, err := e.Scheduler.NextScheduled(ctx, domain.JobKey{Kind: domain.JobProcess, ItemId: itemId})
	if err != nil || !ok {
		t.Fatalf("NextScheduled failed: ok=%v err=%v", ok, err)
	}
	if !at.Equal(first) {
		t.Errorf("Expected the first schedule to win at %v, got %v", first, at)
	}
}

func TestScheduleKeysAreDistinct(t *testing.T) {
	clock := newFakeClock()
	e := setupEngine(t, WithClock(clock.Now))
	ctx := context.Background()
	itemId := uuid.New()
	now := clock.Now()

	jobs := []domain.Job{
		processJob(itemId, now),
		followersJob(itemId, 50, 0, now),
		followersJob(itemId, 50, 50, now),
		retryJob(itemId, "https://a.example/inbox", 1, now),
		retryJob(itemId, "https://b.example/inbox", 1, now),
		maintenanceJob(now),
	}
	for _, job := range jobs {
		if err := e.Scheduler.Schedule(ctx, job); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	pending, err := e.DB.ReadPendingJobs(ctx)
	if err != nil {
		t.Fatalf("ReadPendingJobs failed: %v", err)
	}
	if len(pending) != len(jobs) {
		t.Errorf("Expected %d pending jobs, got %d", len(jobs), len(pending))
	}
}

func TestScheduleDefaultsToNow(t *testing.T) {
	clock := newFakeClock()
	e := setupEngine(t, WithClock(clock.Now))
	ctx := context.Background()
	itemId := uuid.New()

	if err := e.Scheduler.Schedule(ctx, domain.Job{Kind: domain.JobProcess, ItemId: itemId}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	at, ok, _ := e.Scheduler.NextScheduled(ctx, domain.JobKey{Kind: domain.JobProcess, ItemId: itemId})
	if !ok || !at.Equal(clock.Now()) {
		t.Errorf("Expected job due now, got %v (found=%v)", at, ok)
	}
}

func TestUnschedule(t *testing.T) {
	clock := newFakeClock()
	e := setupEngine(t, WithClock(clock.Now))
	ctx := context.Background()
	itemId := uuid.New()
	other := uuid.New()
	now := clock.Now()

	for _, job := range []domain.Job{
		processJob(itemId, now),
		retryJob(itemId, "https://a.example/inbox", 2, now),
		processJob(other, now),
	} {
		if err := e.Scheduler.Schedule(ctx, job); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	retryKey := domain.JobKey{Kind: domain.JobRetry, ItemId: itemId, Inbox: "https://a.example/inbox"}
	if err := e.Scheduler.Unschedule(ctx, retryKey); err != nil {
		t.Fatalf("Unschedule failed: %v", err)
	}
	if _, ok, _ := e.Scheduler.NextScheduled(ctx, retryKey); ok {
		t.Error("Expected the retry to be gone")
	}

	if err := e.Scheduler.UnscheduleItem(ctx, itemId); err != nil {
		t.Fatalf("UnscheduleItem failed: %v", err)
	}
	if _, ok, _ := e.Scheduler.NextScheduled(ctx, domain.JobKey{Kind: domain.JobProcess, ItemId: itemId}); ok {
		t.Error("Expected the item's process job to be gone")
	}
	if _, ok, _ := e.Scheduler.NextScheduled(ctx, domain.JobKey{Kind: domain.JobProcess, ItemId: other}); !ok {
		t.Error("Expected the other item's job to remain")
	}
}
