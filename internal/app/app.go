package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/config"
	"price-alert-mailer/internal/mailer"
	"price-alert-mailer/internal/notify"
	"price-alert-mailer/internal/scheduler"
	"price-alert-mailer/internal/service"
	"price-alert-mailer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSender() mailer.Sender {
	if a.Config.SMTP.Enabled {
		return mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     a.Config.SMTP.Host,
			Port:     a.Config.SMTP.Port,
			Username: a.Config.SMTP.Username,
			Password: a.Config.SMTP.Password,
			From:     a.Config.SMTP.From,
			Timeout:  a.Config.SMTP.Timeout,
		}, a.Logger)
	}
	return &mailer.LogSender{Logger: a.Logger}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// engine bundles the notification pipeline components.
type engine struct {
	dedup      *notify.Deduplicator
	batcher    *notify.Batcher
	queue      *notify.Queue
	dispatcher *notify.Dispatcher
	quiet      notify.QuietHours
}

// buildEngine assembles the delivery pipeline from configuration. Quiet
// hours and coalescing may be overridden for simulation.
func (a *App) buildEngine(sender mailer.Sender, quiet notify.QuietHours, coalesce time.Duration) (*engine, error) {
	cfg := a.Config

	sched, err := notify.DigestSchedule(cfg.Digest.Frequency, cfg.Digest.CustomHours)
	if err != nil {
		return nil, err
	}

	dedup := notify.NewDeduplicator(cfg.Notify.DedupHorizon(), cfg.Notify.DedupDirectionSensitive)
	limiter := notify.NewRateLimiter(cfg.Notify.MaxEmailsPerHour, time.Hour)
	batcher := notify.NewBatcher(coalesce, sched, cfg.DeliveryModeFor)
	queue := notify.NewQueue(cfg.Notify.MaxAttempts)

	transport := mailer.New(sender, a.Logger)
	dispatcher := notify.NewDispatcher(queue, limiter, quiet, dedup, transport, notify.DispatcherConfig{
		MaxAttempts:   cfg.Notify.MaxAttempts,
		BackoffBase:   cfg.Notify.BackoffBase(),
		BackoffCap:    cfg.Notify.BackoffCap(),
		Concurrency:   cfg.Notify.Concurrency,
		SendTimeout:   cfg.Notify.SendTimeout,
		PacePerSecond: cfg.Notify.PacePerSecond,
	}, a.Logger)

	if reporter := mailer.NewAdminReporter(sender, cfg.SMTP.AdminEmail, a.Logger); reporter != nil {
		dispatcher.SetReporter(reporter)
	}

	return &engine{
		dedup:      dedup,
		batcher:    batcher,
		queue:      queue,
		dispatcher: dispatcher,
		quiet:      quiet,
	}, nil
}

// logObserver turns pipeline signals into structured log events.
func logObserver(logger zerolog.Logger) notify.Observer {
	log := logger.With().Str("component", "pipeline").Logger()
	return func(sig notify.Signal) {
		evt := log.Info()
		if sig.Event == notify.EventAdmitted || sig.Event == notify.EventBatched {
			evt = log.Debug()
		}
		evt.
			Str("event", string(sig.Event)).
			Str("recipient", sig.Recipient).
			Str("job_id", sig.JobID).
			Str("product_id", sig.ProductID).
			Str("detail", sig.Detail).
			Msg("pipeline event")
	}
}

// Run executes the long-running alerting service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法轮询价格事件")
	}
	if closeStore != nil {
		defer closeStore()
	}

	quiet, err := notify.NewQuietHours(a.Config.Notify.QuietHoursStart, a.Config.Notify.QuietHoursEnd)
	if err != nil {
		return err
	}

	eng, err := a.buildEngine(a.newSender(), quiet, a.Config.Notify.CoalesceWindow())
	if err != nil {
		return err
	}

	observer := logObserver(a.Logger)
	eng.dispatcher.SetObserver(observer)
	eng.dispatcher.SetRecorder(store)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	source := storage.NewEventSource(store, a.Config.Events.BatchSize, a.Config.Events.HistoryPoints, a.Logger)

	svc := service.New(service.Options{
		Scheduler:    sched,
		Source:       source,
		Dedup:        eng.dedup,
		Batcher:      eng.batcher,
		Queue:        eng.queue,
		Dispatcher:   eng.dispatcher,
		Observer:     observer,
		Locker:       store,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		JobStore:     store,
		DedupStore:   store,
		Pruner:       store,
		Retention:    a.Config.Database.Retention,
		DedupHorizon: a.Config.Notify.DedupHorizon(),
	}, a.Logger)

	a.Logger.Info().Msg("starting alert mailer service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert mailer service stopped")
	return nil
}

// ExportOptions hold parameters for exporting delivery statistics.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	Days    int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
