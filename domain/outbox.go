package domain

import (
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	StatusPending  OutboxStatus = "pending"
	StatusComplete OutboxStatus = "complete"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityDirect    Visibility = "direct"
)

// OutboxItem is a queued or delivered unit of federation
type OutboxItem struct {
	Id           uuid.UUID
	ActorId      uuid.UUID
	ActivityType string
	ObjectId     string
	ActivityJSON string
	Status       OutboxStatus
	Offset       *int // nil unless a follower batch is in progress
	Visibility   Visibility
	DispatchedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o *OutboxItem) IsPending() bool {
	return o.Status == StatusPending
}

// BatchOffset returns the persisted follower cursor, zero when cleared
func (o *OutboxItem) BatchOffset() int {
	if o.Offset == nil {
		return 0
	}
	return *o.Offset
}

type JobKind string

const (
	JobProcess     JobKind = "process"
	JobFollowers   JobKind = "followers"
	JobRetry       JobKind = "retry"
	JobMaintenance JobKind = "maintenance"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
)

// Job is a durable, independently scheduled unit of work
type Job struct {
	Id        uuid.UUID
	Kind      JobKind
	ItemId    uuid.UUID
	Offset    int
	BatchSize int
	Inbox     string
	Attempt   int
	NotBefore time.Time
	Status    JobStatus
	ClaimedAt *time.Time
	LastError string
	CreatedAt time.Time
}

// JobKey identifies a job for deduplication: one pending job per key
type JobKey struct {
	Kind   JobKind
	ItemId uuid.UUID
	Offset int
	Inbox  string
}

func (j *Job) Key() JobKey {
	return JobKey{Kind: j.Kind, ItemId: j.ItemId, Offset: j.Offset, Inbox: j.Inbox}
}
