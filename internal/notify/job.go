package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"price-alert-mailer/internal/event"
)

// Kind distinguishes notification job flavours.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindBulk       Kind = "bulk"
	KindDigest     Kind = "digest"
)

// Status is the lifecycle state of a job. Transitions only move forward:
// pending → in_flight → {sent | failed | suppressed}, with a retryable
// failure or a deferral returning in_flight to pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// Job is a pending notification delivery. Owned exclusively by the queue
// until it reaches a terminal status.
type Job struct {
	ID          uuid.UUID
	Kind        Kind
	Recipient   string
	Events      []event.PriceEvent
	CreatedAt   time.Time
	ScheduledAt time.Time
	Attempts    int
	Status      Status
	LastError   string
}

// NewJob builds a pending job for the given events.
func NewJob(kind Kind, recipient string, events []event.PriceEvent, createdAt, scheduledAt time.Time) *Job {
	return &Job{
		ID:          uuid.New(),
		Kind:        kind,
		Recipient:   recipient,
		Events:      events,
		CreatedAt:   createdAt,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
	}
}

// ProductIDs lists the product ids covered by the job payload.
func (j *Job) ProductIDs() []string {
	ids := make([]string, 0, len(j.Events))
	for _, ev := range j.Events {
		ids = append(ids, ev.ProductID)
	}
	return ids
}

func (j *Job) transition(to Status) error {
	switch {
	case j.Status == to:
		return nil
	case j.Status == StatusPending && to == StatusInFlight:
	case j.Status == StatusInFlight && to == StatusPending:
	case j.Status == StatusInFlight && (to == StatusSent || to == StatusFailed || to == StatusSuppressed):
	case j.Status == StatusPending && to == StatusSuppressed:
	default:
		return fmt.Errorf("notify: 非法的状态迁移 %s → %s (job %s)", j.Status, to, j.ID)
	}
	j.Status = to
	return nil
}
