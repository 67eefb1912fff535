package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Transport delivers one rendered job. Implementations classify failures via
// DeliveryError so the dispatcher can tell permanent from transient.
type Transport interface {
	Send(ctx context.Context, job *Job) error
}

// Reporter receives terminally failed jobs for durable error reporting.
type Reporter interface {
	ReportTerminal(ctx context.Context, job *Job, cause error)
}

// Recorder persists job outcomes for auditing. Optional.
type Recorder interface {
	RecordJob(ctx context.Context, job *Job) error
}

// DispatcherConfig tunes retry and fan-out behaviour.
type DispatcherConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Concurrency int
	SendTimeout time.Duration
	// PacePerSecond smooths the global send rate across workers. Zero
	// disables pacing.
	PacePerSecond float64
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher drains ready jobs from the queue, re-checks the rate limiter
// and quiet-hours gate, and pushes jobs through the transport with
// exponential backoff on transient failures.
type Dispatcher struct {
	queue     *Queue
	limiter   *RateLimiter
	quiet     QuietHours
	dedup     *Deduplicator
	transport Transport
	reporter  Reporter
	recorder  Recorder
	observer  Observer
	pacer     *rate.Limiter
	logger    zerolog.Logger
	cfg       DispatcherConfig
}

// NewDispatcher wires the dispatcher. reporter, recorder, and observer may
// be nil.
func NewDispatcher(queue *Queue, limiter *RateLimiter, quiet QuietHours, dedup *Deduplicator, transport Transport, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	var pacer *rate.Limiter
	if cfg.PacePerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.PacePerSecond), cfg.Concurrency)
	}
	return &Dispatcher{
		queue:     queue,
		limiter:   limiter,
		quiet:     quiet,
		dedup:     dedup,
		transport: transport,
		pacer:     pacer,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		cfg:       cfg,
	}
}

// SetReporter installs the terminal-failure reporter.
func (d *Dispatcher) SetReporter(r Reporter) { d.reporter = r }

// SetRecorder installs the outcome audit recorder.
func (d *Dispatcher) SetRecorder(r Recorder) { d.recorder = r }

// SetObserver installs the pipeline observer.
func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

// Drain processes every job ready at now, fanning sends out across a bounded
// worker pool. It blocks until all picked-up jobs settle and returns how
// many were processed.
func (d *Dispatcher) Drain(ctx context.Context, now time.Time) int {
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	processed := 0

	for {
		if ctx.Err() != nil {
			break
		}
		job := d.queue.DequeueReady(now)
		if job == nil {
			break
		}
		processed++

		wg.Add(1)
		sem <- struct{}{}
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			d.process(ctx, job, now)
		}(job)
	}

	wg.Wait()
	return processed
}

func (d *Dispatcher) process(ctx context.Context, job *Job, now time.Time) {
	log := d.logger.With().
		Stringer("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("recipient", job.Recipient).
		Logger()

	// Conditions may have changed since enqueue; both gates are re-checked
	// here. Deferrals are not failures and do not touch the attempt count.
	if allowed, next := d.quiet.Permit(now); !allowed {
		log.Debug().Time("next_allowed", next).Msg("静默时段内，推迟发送")
		emit(d.observer, Signal{Event: EventQuietDeferred, Recipient: job.Recipient, JobID: job.ID.String()})
		d.requeueAt(job, next, log)
		return
	}

	granted, retryAfter := d.limiter.Reserve(job.Recipient, now)
	if !granted {
		log.Debug().Time("retry_after", retryAfter).Msg("rate limit reached, deferring job")
		emit(d.observer, Signal{Event: EventRateDeferred, Recipient: job.Recipient, JobID: job.ID.String()})
		d.requeueAt(job, retryAfter, log)
		return
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			d.limiter.Rollback(job.Recipient, now)
			d.requeueAt(job, now, log)
			return
		}
	}

	job.Attempts++

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.transport.Send(sendCtx, job)
	cancel()

	if err == nil {
		d.dedup.MarkNotified(job.Events, now)
		if terr := d.queue.MarkTerminal(job, StatusSent); terr != nil {
			log.Error().Err(terr).Msg("failed to finalise sent job")
		}
		d.record(ctx, job, log)
		emit(d.observer, Signal{Event: EventSent, Recipient: job.Recipient, JobID: job.ID.String()})
		log.Info().Int("attempts", job.Attempts).Int("events", len(job.Events)).Msg("notification sent")
		return
	}

	// The reserved slot must not count against the recipient for a failed send.
	d.limiter.Rollback(job.Recipient, now)
	job.LastError = err.Error()

	if IsPermanent(err) || job.Attempts >= d.cfg.MaxAttempts {
		if terr := d.queue.MarkTerminal(job, StatusFailed); terr != nil {
			log.Error().Err(terr).Msg("failed to finalise failed job")
		}
		d.record(ctx, job, log)
		if d.reporter != nil {
			d.reporter.ReportTerminal(ctx, job, err)
		}
		emit(d.observer, Signal{Event: EventFailedTerminal, Recipient: job.Recipient, JobID: job.ID.String(), Detail: err.Error()})
		log.Error().Err(err).Int("attempts", job.Attempts).Msg("delivery failed terminally")
		return
	}

	delay := d.backoff(job.Attempts)
	emit(d.observer, Signal{Event: EventFailedRetry, Recipient: job.Recipient, JobID: job.ID.String(), Detail: err.Error()})
	log.Warn().Err(err).Int("attempts", job.Attempts).Dur("backoff", delay).Msg("transient delivery failure, will retry")
	d.requeueAt(job, now.Add(delay), log)
}

func (d *Dispatcher) requeueAt(job *Job, at time.Time, log zerolog.Logger) {
	if err := d.queue.Requeue(job, at); err != nil {
		log.Error().Err(err).Msg("requeue rejected")
	}
}

func (d *Dispatcher) record(ctx context.Context, job *Job, log zerolog.Logger) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to record job outcome")
	}
}

// backoff computes the exponential retry delay with ±20% jitter.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts && delay < d.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
