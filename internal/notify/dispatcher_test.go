package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/event"
)

// scriptedTransport returns the scripted errors in order, then succeeds.
type scriptedTransport struct {
	mu   sync.Mutex
	errs []error
	sent []*Job
}

func (s *scriptedTransport) Send(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, job)
	return nil
}

type capturedReport struct {
	job   *Job
	cause error
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []capturedReport
}

func (r *fakeReporter) ReportTerminal(_ context.Context, job *Job, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, capturedReport{job: job, cause: cause})
}

func openQuiet(t *testing.T) QuietHours {
	t.Helper()
	q, err := NewQuietHours("00:00", "00:00")
	if err != nil {
		t.Fatalf("构造 quiet hours 失败: %v", err)
	}
	return q
}

func nightQuiet(t *testing.T) QuietHours {
	t.Helper()
	q, err := NewQuietHours("22:00", "08:00")
	if err != nil {
		t.Fatalf("构造 quiet hours 失败: %v", err)
	}
	return q
}

func newTestDispatcher(t *testing.T, quiet QuietHours, limiter *RateLimiter, transport Transport, cfg DispatcherConfig) (*Dispatcher, *Queue, *Deduplicator) {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	queue := NewQueue(cfg.MaxAttempts)
	dedup := NewDeduplicator(24*time.Hour, false)
	d := NewDispatcher(queue, limiter, quiet, dedup, transport, cfg, zerolog.Nop())
	return d, queue, dedup
}

func dispatchJob(at time.Time) *Job {
	return NewJob(KindIndividual, "r@example.com", []event.PriceEvent{sampleEvent("P", 10, at)}, at, at)
}

func TestDispatcherSendsReadyJob(t *testing.T) {
	transport := &scriptedTransport{}
	d, queue, dedup := newTestDispatcher(t, openQuiet(t), NewRateLimiter(10, time.Hour), transport, DispatcherConfig{})
	counters := NewCounters()
	d.SetObserver(counters.Observe)

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := dispatchJob(now)
	queue.Enqueue(job)

	if processed := d.Drain(context.Background(), now); processed != 1 {
		t.Fatalf("应处理 1 个任务, 实际 %d", processed)
	}
	if job.Status != StatusSent {
		t.Fatalf("任务应发送成功, 实际状态 %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("成功发送应记 1 次尝试, 实际 %d", job.Attempts)
	}
	if counters.Count(EventSent) != 1 {
		t.Fatal("observer 应记录 1 次 sent")
	}
	// Delivery refreshes the dedup table.
	if dedup.Admit(job.Events[0], now.Add(time.Minute)) {
		t.Fatal("发送后同一事件应被去重")
	}
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	transient := errors.New("connection reset")
	transport := &scriptedTransport{errs: []error{transient, transient}}
	cfg := DispatcherConfig{BackoffBase: time.Second, BackoffCap: 2 * time.Second}
	d, queue, _ := newTestDispatcher(t, openQuiet(t), NewRateLimiter(10, time.Hour), transport, cfg)
	counters := NewCounters()
	d.SetObserver(counters.Observe)

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := dispatchJob(now)
	queue.Enqueue(job)

	// Each drain handles one attempt; backoff pushes the retry past now.
	for i := 0; i < 3 && job.Status != StatusSent; i++ {
		d.Drain(context.Background(), now)
		now = now.Add(5 * time.Second)
	}

	if job.Status != StatusSent {
		t.Fatalf("两次瞬时失败后应最终发送成功, 实际状态 %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Fatalf("期望 attempt_count 为 3, 实际 %d", job.Attempts)
	}
	if counters.Count(EventFailedRetry) != 2 {
		t.Fatalf("应记录 2 次 failed_retry, 实际 %d", counters.Count(EventFailedRetry))
	}
}

func TestDispatcherPermanentFailureIsTerminal(t *testing.T) {
	perm := &DeliveryError{Permanent: true, Reason: "mailbox does not exist", Err: errors.New("550 5.1.1")}
	transport := &scriptedTransport{errs: []error{perm}}
	d, queue, _ := newTestDispatcher(t, openQuiet(t), NewRateLimiter(10, time.Hour), transport, DispatcherConfig{})
	reporter := &fakeReporter{}
	d.SetReporter(reporter)
	counters := NewCounters()
	d.SetObserver(counters.Observe)

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := dispatchJob(now)
	queue.Enqueue(job)

	d.Drain(context.Background(), now)

	if job.Status != StatusFailed {
		t.Fatalf("永久失败应立即终结, 实际状态 %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("永久失败不应重试, attempts %d", job.Attempts)
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("reporter 应收到 1 次终态报告, 实际 %d", len(reporter.reports))
	}
	if counters.Count(EventFailedTerminal) != 1 {
		t.Fatal("observer 应记录 failed_terminal")
	}
	if queue.Len() != 0 {
		t.Fatal("终态任务不应留在队列中")
	}
}

func TestDispatcherExhaustsMaxAttempts(t *testing.T) {
	transient := errors.New("timeout")
	transport := &scriptedTransport{errs: []error{transient, transient, transient}}
	cfg := DispatcherConfig{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: 2 * time.Second}
	d, queue, _ := newTestDispatcher(t, openQuiet(t), NewRateLimiter(10, time.Hour), transport, cfg)
	reporter := &fakeReporter{}
	d.SetReporter(reporter)

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job := dispatchJob(now)
	queue.Enqueue(job)

	for i := 0; i < 4; i++ {
		d.Drain(context.Background(), now)
		now = now.Add(5 * time.Second)
	}

	if job.Status != StatusFailed {
		t.Fatalf("超过最大尝试次数应终结, 实际状态 %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", job.Attempts)
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("reporter 应只收到 1 次报告, 实际 %d", len(reporter.reports))
	}
	if queue.Len() != 0 {
		t.Fatal("耗尽重试后队列应为空")
	}
}

func TestDispatcherDefersDuringQuietHours(t *testing.T) {
	transport := &scriptedTransport{}
	d, queue, _ := newTestDispatcher(t, nightQuiet(t), NewRateLimiter(10, time.Hour), transport, DispatcherConfig{})
	counters := NewCounters()
	d.SetObserver(counters.Observe)

	now := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	job := dispatchJob(now)
	queue.Enqueue(job)

	d.Drain(context.Background(), now)

	if job.Status != StatusPending {
		t.Fatalf("静默推迟的任务应回到 pending, 实际 %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("推迟不应计入尝试次数, 实际 %d", job.Attempts)
	}
	want := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	if !job.ScheduledAt.Equal(want) {
		t.Fatalf("应推迟至次日 08:00, 实际 %v", job.ScheduledAt)
	}
	if counters.Count(EventQuietDeferred) != 1 {
		t.Fatal("observer 应记录 quiet_deferred")
	}
	if len(transport.sent) != 0 {
		t.Fatal("静默时段不应触达 transport")
	}
}

func TestDispatcherDefersWhenRateLimited(t *testing.T) {
	transport := &scriptedTransport{}
	limiter := NewRateLimiter(2, time.Hour)
	d, queue, _ := newTestDispatcher(t, openQuiet(t), limiter, transport, DispatcherConfig{})
	counters := NewCounters()
	d.SetObserver(counters.Observe)

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	limiter.Reserve("r@example.com", first)
	limiter.Reserve("r@example.com", first.Add(10*time.Minute))

	now := first.Add(15 * time.Minute)
	job := dispatchJob(now)
	queue.Enqueue(job)

	d.Drain(context.Background(), now)

	if job.Status != StatusPending {
		t.Fatalf("限流推迟的任务应回到 pending, 实际 %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("限流推迟不应计入尝试次数, 实际 %d", job.Attempts)
	}
	want := first.Add(time.Hour)
	if !job.ScheduledAt.Equal(want) {
		t.Fatalf("应推迟至最早记录滑出窗口的 %v, 实际 %v", want, job.ScheduledAt)
	}
	if counters.Count(EventRateDeferred) != 1 {
		t.Fatal("observer 应记录 rate_deferred")
	}

	// Past the window the deferred job goes straight through.
	d.Drain(context.Background(), want.Add(time.Second))
	if job.Status != StatusSent {
		t.Fatalf("窗口释放后应发送成功, 实际 %s", job.Status)
	}
}
