package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/event"
	"price-alert-mailer/internal/notify"
	"price-alert-mailer/internal/scheduler"
	"price-alert-mailer/internal/storage"
)

// Options wires the pipeline pieces into a Service.
type Options struct {
	Scheduler  *scheduler.Scheduler
	Source     event.Source
	Dedup      *notify.Deduplicator
	Batcher    *notify.Batcher
	Queue      *notify.Queue
	Dispatcher *notify.Dispatcher
	Observer   notify.Observer

	Locker  storage.AdvisoryLocker
	LockKey int64

	JobStore   storage.JobStore
	DedupStore storage.DedupStore
	Pruner     interface {
		PruneBefore(ctx context.Context, olderThan time.Time) error
	}
	Retention    time.Duration
	DedupHorizon time.Duration
}

// Service orchestrates the per-tick notification pipeline: poll events,
// deduplicate, batch, flush digests, and drain the delivery queue.
type Service struct {
	opts      Options
	logger    zerolog.Logger
	lastPrune time.Time
}

// New constructs the pipeline service.
func New(opts Options, logger zerolog.Logger) *Service {
	return &Service{
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the tick loop and performs a graceful teardown once the context
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if err := s.restore(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to restore persisted state")
	}

	err := s.opts.Scheduler.Run(ctx, s.ProcessTick)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)

	return err
}

// ProcessTick executes one pipeline pass at the given instant.
func (s *Service) ProcessTick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if err := s.admitEvents(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("failed to poll event source")
	}

	jobs := s.opts.Batcher.CloseDue(now)
	jobs = append(jobs, s.opts.Batcher.FlushDigests(now)...)
	for _, job := range jobs {
		s.enqueue(job)
	}

	processed := s.opts.Dispatcher.Drain(ctx, now)
	if processed > 0 {
		s.logger.Info().Time("tick", now).Int("processed", processed).Msg("tick drained delivery queue")
	}

	s.opts.Dedup.Prune(now)
	s.pruneStorage(ctx, now)

	return nil
}

// Shutdown tears the pipeline down: open batches are flushed, queued jobs
// are persisted when a store is configured, otherwise dropped with a logged
// warning. The dedup table is snapshotted for reload.
func (s *Service) Shutdown(ctx context.Context) {
	now := time.Now().UTC()

	for _, job := range s.opts.Batcher.FlushAll(now) {
		s.enqueue(job)
	}

	pending := s.opts.Queue.Drain()
	for _, job := range pending {
		if s.opts.JobStore != nil {
			if err := s.opts.JobStore.RecordJob(ctx, job); err != nil {
				s.logger.Error().Err(err).Stringer("job_id", job.ID).Msg("failed to persist queued job on shutdown")
			}
			continue
		}
		if s.opts.Observer != nil {
			s.opts.Observer(notify.Signal{Event: notify.EventDropped, Recipient: job.Recipient, JobID: job.ID.String()})
		}
		s.logger.Warn().
			Stringer("job_id", job.ID).
			Str("recipient", job.Recipient).
			Int("events", len(job.Events)).
			Msg("dropping queued job on shutdown, persistence not configured")
	}

	if s.opts.DedupStore != nil {
		if err := s.opts.DedupStore.SaveDedupEntries(ctx, s.opts.Dedup.Snapshot(now)); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist dedup table")
		}
	}

	s.logger.Info().Int("persisted_or_dropped", len(pending)).Msg("pipeline shut down")
}

func (s *Service) restore(ctx context.Context) error {
	if s.opts.DedupStore != nil {
		horizon := s.opts.DedupHorizon
		if horizon <= 0 {
			horizon = 24 * time.Hour
		}
		entries, err := s.opts.DedupStore.LoadDedupEntries(ctx, time.Now().UTC().Add(-horizon))
		if err != nil {
			return fmt.Errorf("load dedup entries: %w", err)
		}
		s.opts.Dedup.Restore(entries)
		s.logger.Info().Int("entries", len(entries)).Msg("restored dedup table")
	}

	if s.opts.JobStore != nil {
		jobs, err := s.opts.JobStore.LoadPendingJobs(ctx)
		if err != nil {
			return fmt.Errorf("load pending jobs: %w", err)
		}
		for _, job := range jobs {
			s.opts.Queue.Enqueue(job)
		}
		if len(jobs) > 0 {
			s.logger.Info().Int("jobs", len(jobs)).Msg("restored pending jobs")
		}
	}

	return nil
}

func (s *Service) admitEvents(ctx context.Context, now time.Time) error {
	events, err := s.opts.Source.Poll(ctx)
	if err != nil {
		return err
	}

	admitted, duplicates := 0, 0
	for _, ev := range events {
		if !s.opts.Dedup.Admit(ev, now) {
			duplicates++
			if s.opts.Observer != nil {
				s.opts.Observer(notify.Signal{Event: notify.EventDeduplicated, Recipient: ev.Recipient, ProductID: ev.ProductID})
			}
			continue
		}
		admitted++
		if s.opts.Observer != nil {
			s.opts.Observer(notify.Signal{Event: notify.EventAdmitted, Recipient: ev.Recipient, ProductID: ev.ProductID})
		}
		s.opts.Batcher.Route(ev, now)
	}

	if admitted+duplicates > 0 {
		s.logger.Info().Int("admitted", admitted).Int("duplicates", duplicates).Msg("events admitted")
	}
	return nil
}

func (s *Service) enqueue(job *notify.Job) {
	s.opts.Queue.Enqueue(job)
	if s.opts.Observer != nil {
		s.opts.Observer(notify.Signal{Event: notify.EventBatched, Recipient: job.Recipient, JobID: job.ID.String()})
	}
	s.logger.Debug().
		Stringer("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("events", len(job.Events)).
		Msg("job enqueued")
}

// pruneStorage runs the retention sweep at most once per hour.
func (s *Service) pruneStorage(ctx context.Context, now time.Time) {
	if s.opts.Pruner == nil || s.opts.Retention <= 0 {
		return
	}
	if now.Sub(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = now
	if err := s.opts.Pruner.PruneBefore(ctx, now.Add(-s.opts.Retention)); err != nil {
		s.logger.Error().Err(err).Msg("retention prune failed")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
