package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-alert-mailer/internal/event"
	"price-alert-mailer/internal/notify"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	claimEventsSQL = `UPDATE price_events
    SET claimed_at = now()
    WHERE id IN (
        SELECT id FROM price_events
        WHERE claimed_at IS NULL
        ORDER BY observed_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING product_id, product_name, recipient, observed_price, previous_price, observed_at, source, buy_url;`

	priceHistorySQL = `SELECT observed_at, observed_price
    FROM price_events
    WHERE product_id = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	upsertJobSQL = `INSERT INTO notification_jobs (
        job_id,
        kind,
        recipient,
        product_ids,
        event_count,
        status,
        attempts,
        last_error,
        payload,
        scheduled_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now()
    )
    ON CONFLICT (job_id) DO UPDATE
    SET status       = EXCLUDED.status,
        attempts     = EXCLUDED.attempts,
        last_error   = EXCLUDED.last_error,
        payload      = EXCLUDED.payload,
        scheduled_at = EXCLUDED.scheduled_at,
        updated_at   = now();`

	listRecentJobsSQL = `SELECT
        job_id,
        kind,
        recipient,
        product_ids,
        event_count,
        status,
        attempts,
        last_error,
        scheduled_at,
        created_at,
        updated_at
    FROM notification_jobs
    ORDER BY updated_at DESC
    LIMIT $1;`

	loadPendingJobsSQL = `SELECT
        job_id,
        kind,
        recipient,
        status,
        attempts,
        payload,
        scheduled_at,
        created_at
    FROM notification_jobs
    WHERE status = 'pending'
    ORDER BY scheduled_at;`

	countJobsByDaySQL = `SELECT
        date_trunc('day', updated_at) AS day,
        status,
        COUNT(*)
    FROM notification_jobs
    WHERE updated_at >= $1
      AND updated_at < $2
    GROUP BY 1, 2
    ORDER BY 1;`

	pruneJobsSQL   = `DELETE FROM notification_jobs WHERE updated_at < $1 AND status IN ('sent','failed','suppressed');`
	pruneEventsSQL = `DELETE FROM price_events WHERE claimed_at IS NOT NULL AND claimed_at < $1;`

	saveDedupSQL = `INSERT INTO dedup_entries (
        product_id, price, day, direction, notified_at
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (product_id, price, day, direction) DO UPDATE
    SET notified_at = EXCLUDED.notified_at;`

	loadDedupSQL = `SELECT product_id, price, day, direction, notified_at
    FROM dedup_entries
    WHERE notified_at >= $1;`

	pruneDedupSQL = `DELETE FROM dedup_entries WHERE notified_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventClaimer hands out unprocessed price events exactly once.
type EventClaimer interface {
	ClaimEvents(ctx context.Context, limit, historyPoints int) ([]event.PriceEvent, error)
}

// JobStore persists notification job state for auditing and reload.
type JobStore interface {
	RecordJob(ctx context.Context, job *notify.Job) error
	LoadPendingJobs(ctx context.Context) ([]*notify.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	CountJobsByDay(ctx context.Context, from, to time.Time) ([]DailyJobCount, error)
}

// DedupStore persists the dedup table across restarts.
type DedupStore interface {
	SaveDedupEntries(ctx context.Context, entries []notify.DedupEntry) error
	LoadDedupEntries(ctx context.Context, since time.Time) ([]notify.DedupEntry, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price events, jobs, and dedup state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; the lock is released anyway when the connection drops.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ClaimEvents marks up to limit unclaimed price events as claimed and
// returns them, enriched with recent history when historyPoints > 0.
func (s *Store) ClaimEvents(ctx context.Context, limit, historyPoints int) ([]event.PriceEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("claim price events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]event.PriceEvent, 0, limit)
	for rows.Next() {
		ev, scanErr := scanPriceEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if historyPoints > 0 {
		for i := range events {
			history, histErr := s.priceHistory(ctx, events[i].ProductID, historyPoints)
			if histErr != nil {
				return nil, histErr
			}
			events[i].History = history
		}
	}
	return events, nil
}

func (s *Store) priceHistory(ctx context.Context, productID string, limit int) ([]event.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, priceHistorySQL, productID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	defer rows.Close()

	points := make([]event.PricePoint, 0, limit)
	for rows.Next() {
		var (
			at       time.Time
			priceStr string
		)
		if err := rows.Scan(&at, &priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse history price: %w", convErr)
		}
		points = append(points, event.PricePoint{At: at, Price: price})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	// Query returns newest first; the chart wants chronological order.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// RecordJob upserts the audit row for a job, payload included so pending
// jobs survive a restart.
func (s *Store) RecordJob(ctx context.Context, job *notify.Job) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	payload, marshalErr := json.Marshal(job.Events)
	if marshalErr != nil {
		return fmt.Errorf("marshal job payload: %w", marshalErr)
	}

	var lastErr interface{}
	if job.LastError != "" {
		lastErr = job.LastError
	}

	_, execErr := pool.Exec(ctx, upsertJobSQL,
		job.ID,
		string(job.Kind),
		job.Recipient,
		job.ProductIDs(),
		len(job.Events),
		string(job.Status),
		job.Attempts,
		lastErr,
		payload,
		job.ScheduledAt,
		job.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert notification job: %w", execErr)
	}
	return nil
}

// LoadPendingJobs reloads persisted pending jobs at startup.
func (s *Store) LoadPendingJobs(ctx context.Context) ([]*notify.Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadPendingJobsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load pending jobs: %w", queryErr)
	}
	defer rows.Close()

	var jobs []*notify.Job
	for rows.Next() {
		var (
			job     notify.Job
			kind    string
			status  string
			payload []byte
		)
		if err := rows.Scan(&job.ID, &kind, &job.Recipient, &status, &job.Attempts, &payload, &job.ScheduledAt, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Kind = notify.Kind(kind)
		job.Status = notify.Status(status)
		if err := json.Unmarshal(payload, &job.Events); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

// ListRecentJobs lists the most recently updated jobs.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentJobsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent jobs: %w", queryErr)
	}
	defer rows.Close()

	records := make([]JobRecord, 0, limit)
	for rows.Next() {
		var (
			rec     JobRecord
			lastErr sql.NullString
		)
		if err := rows.Scan(
			&rec.JobID,
			&rec.Kind,
			&rec.Recipient,
			&rec.ProductIDs,
			&rec.EventCount,
			&rec.Status,
			&rec.Attempts,
			&lastErr,
			&rec.ScheduledAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lastErr.Valid {
			msg := lastErr.String
			rec.LastError = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountJobsByDay aggregates job outcomes per day for export.
func (s *Store) CountJobsByDay(ctx context.Context, from, to time.Time) ([]DailyJobCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countJobsByDaySQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("count jobs by day: %w", queryErr)
	}
	defer rows.Close()

	var counts []DailyJobCount
	for rows.Next() {
		var c DailyJobCount
		if err := rows.Scan(&c.Day, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// SaveDedupEntries persists the live dedup table.
func (s *Store) SaveDedupEntries(ctx context.Context, entries []notify.DedupEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, execErr := pool.Exec(ctx, saveDedupSQL,
			e.Key.ProductID, e.Key.Price, e.Key.Day, e.Key.Direction, e.NotifiedAt,
		); execErr != nil {
			return fmt.Errorf("save dedup entry: %w", execErr)
		}
	}
	return nil
}

// LoadDedupEntries reloads dedup entries newer than since.
func (s *Store) LoadDedupEntries(ctx context.Context, since time.Time) ([]notify.DedupEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadDedupSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("load dedup entries: %w", queryErr)
	}
	defer rows.Close()

	var entries []notify.DedupEntry
	for rows.Next() {
		var e notify.DedupEntry
		if err := rows.Scan(&e.Key.ProductID, &e.Key.Price, &e.Key.Day, &e.Key.Direction, &e.NotifiedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// PruneBefore removes aged terminal jobs, consumed events, and expired dedup
// rows.
func (s *Store) PruneBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, stmt := range []string{pruneJobsSQL, pruneEventsSQL, pruneDedupSQL} {
		if _, execErr := pool.Exec(ctx, stmt, olderThan); execErr != nil {
			return fmt.Errorf("prune storage: %w", execErr)
		}
	}
	return nil
}

func scanPriceEvent(rows pgx.Rows) (event.PriceEvent, error) {
	var (
		ev          event.PriceEvent
		observedStr string
		previousStr string
		source      sql.NullString
		buyURL      sql.NullString
	)

	if err := rows.Scan(
		&ev.ProductID,
		&ev.ProductName,
		&ev.Recipient,
		&observedStr,
		&previousStr,
		&ev.ObservedAt,
		&source,
		&buyURL,
	); err != nil {
		return event.PriceEvent{}, err
	}

	observed, err := decimal.NewFromString(observedStr)
	if err != nil {
		return event.PriceEvent{}, fmt.Errorf("parse observed price: %w", err)
	}
	previous, err := decimal.NewFromString(previousStr)
	if err != nil {
		return event.PriceEvent{}, fmt.Errorf("parse previous price: %w", err)
	}

	ev.ObservedPrice = observed
	ev.PreviousPrice = previous
	if source.Valid {
		ev.Source = source.String
	}
	if buyURL.Valid {
		ev.BuyURL = buyURL.String
	}
	return ev, nil
}
