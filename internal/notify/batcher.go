package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"price-alert-mailer/internal/event"
)

// DeliveryMode selects how a recipient receives alerts. Modes are exclusive:
// a digest recipient never receives individual or bulk jobs for the same
// events.
type DeliveryMode string

const (
	ModeImmediate DeliveryMode = "immediate"
	ModeDigest    DeliveryMode = "digest"
)

// DigestSchedule translates a configured digest frequency into a cron
// schedule whose Next drives the flush boundary.
func DigestSchedule(frequency string, customHours int) (cron.Schedule, error) {
	switch frequency {
	case "hourly":
		return cron.ParseStandard("0 * * * *")
	case "daily":
		return cron.ParseStandard("0 0 * * *")
	case "weekly":
		return cron.ParseStandard("0 0 * * 1")
	case "custom":
		if customHours < 1 || customHours > 168 {
			return nil, fmt.Errorf("notify: custom digest hours 须在 [1,168] 内, 实际 %d", customHours)
		}
		return cron.Every(time.Duration(customHours) * time.Hour), nil
	default:
		return nil, fmt.Errorf("notify: 未知的 digest frequency %q", frequency)
	}
}

// DigestAccumulator collects one recipient's events for the current digest
// period.
type DigestAccumulator struct {
	Recipient   string
	WindowStart time.Time
	Events      []event.PriceEvent
}

type openBatch struct {
	openedAt time.Time
	events   []event.PriceEvent
}

// Batcher routes admitted events into individual/bulk jobs or digest
// accumulators. Events for the same recipient arriving within the coalescing
// window after the first unflushed event merge into one bulk job.
type Batcher struct {
	mu       sync.Mutex
	coalesce time.Duration
	sched    cron.Schedule
	modeFor  func(recipient string) DeliveryMode

	open      map[string]*openBatch
	closed    []*Job
	digests   map[string]*DigestAccumulator
	nextFlush time.Time
}

// NewBatcher constructs a batcher. modeFor may be nil, in which case every
// recipient is treated as immediate.
func NewBatcher(coalesce time.Duration, sched cron.Schedule, modeFor func(string) DeliveryMode) *Batcher {
	if modeFor == nil {
		modeFor = func(string) DeliveryMode { return ModeImmediate }
	}
	return &Batcher{
		coalesce: coalesce,
		sched:    sched,
		modeFor:  modeFor,
		open:     make(map[string]*openBatch),
		digests:  make(map[string]*DigestAccumulator),
	}
}

// Route places one admitted event either into the recipient's open
// coalescing batch or into their digest accumulator.
func (b *Batcher) Route(ev event.PriceEvent, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.modeFor(ev.Recipient) == ModeDigest {
		acc, ok := b.digests[ev.Recipient]
		if !ok {
			acc = &DigestAccumulator{Recipient: ev.Recipient, WindowStart: now}
			b.digests[ev.Recipient] = acc
		}
		acc.Events = append(acc.Events, ev)
		return
	}

	batch, ok := b.open[ev.Recipient]
	if ok && now.Sub(batch.openedAt) >= b.coalesce {
		// The previous window elapsed before CloseDue ran; close it now so its
		// events are not lost, then anchor a new window on this event.
		b.closed = append(b.closed, jobForBatch(ev.Recipient, batch.events, now))
		ok = false
	}
	if !ok {
		batch = &openBatch{openedAt: now}
		b.open[ev.Recipient] = batch
	}
	batch.events = append(batch.events, ev)
}

// CloseDue emits jobs for coalescing batches whose window elapsed. One event
// yields an individual job, several a bulk job.
func (b *Batcher) CloseDue(now time.Time) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := b.closed
	b.closed = nil
	for recipient, batch := range b.open {
		if now.Sub(batch.openedAt) < b.coalesce {
			continue
		}
		delete(b.open, recipient)
		jobs = append(jobs, jobForBatch(recipient, batch.events, now))
	}
	return jobs
}

// FlushDigests emits at most one digest job per recipient once the schedule
// boundary passes. An accumulator without events produces no job.
func (b *Batcher) FlushDigests(now time.Time) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextFlush.IsZero() {
		b.nextFlush = b.sched.Next(now)
		return nil
	}
	if now.Before(b.nextFlush) {
		return nil
	}

	jobs := b.flushDigestsLocked(now)
	b.nextFlush = b.sched.Next(now)
	return jobs
}

// FlushAll closes every open batch and digest accumulator regardless of
// boundaries. Used during graceful shutdown so collected events are not
// silently lost.
func (b *Batcher) FlushAll(now time.Time) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := b.closed
	b.closed = nil
	for recipient, batch := range b.open {
		delete(b.open, recipient)
		jobs = append(jobs, jobForBatch(recipient, batch.events, now))
	}
	return append(jobs, b.flushDigestsLocked(now)...)
}

// NextFlush exposes the pending digest boundary, mainly for logging.
func (b *Batcher) NextFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextFlush
}

func (b *Batcher) flushDigestsLocked(now time.Time) []*Job {
	var jobs []*Job
	for recipient, acc := range b.digests {
		delete(b.digests, recipient)
		if len(acc.Events) == 0 {
			continue
		}
		jobs = append(jobs, NewJob(KindDigest, recipient, acc.Events, now, now))
	}
	return jobs
}

func jobForBatch(recipient string, events []event.PriceEvent, now time.Time) *Job {
	kind := KindIndividual
	if len(events) > 1 {
		kind = KindBulk
	}
	return NewJob(kind, recipient, events, now, now)
}
