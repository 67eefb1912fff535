package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-mailer/internal/event"
	"price-alert-mailer/internal/notify"
)

type recordingTransport struct {
	mu   sync.Mutex
	jobs []*notify.Job
}

func (r *recordingTransport) Send(_ context.Context, job *notify.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingTransport) sent() []*notify.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*notify.Job(nil), r.jobs...)
}

type pipeline struct {
	service   *Service
	source    *event.StaticSource
	transport *recordingTransport
	counters  *notify.Counters
	queue     *notify.Queue
	batcher   *notify.Batcher
}

func newPipeline(t *testing.T, coalesce time.Duration, modeFor func(string) notify.DeliveryMode) *pipeline {
	t.Helper()

	quiet, err := notify.NewQuietHours("00:00", "00:00")
	if err != nil {
		t.Fatalf("构造 quiet hours 失败: %v", err)
	}
	sched, err := notify.DigestSchedule("hourly", 0)
	if err != nil {
		t.Fatalf("构造 digest schedule 失败: %v", err)
	}

	source := event.NewStaticSource()
	transport := &recordingTransport{}
	counters := notify.NewCounters()

	dedup := notify.NewDeduplicator(24*time.Hour, false)
	batcher := notify.NewBatcher(coalesce, sched, modeFor)
	queue := notify.NewQueue(5)
	dispatcher := notify.NewDispatcher(queue, notify.NewRateLimiter(100, time.Hour), quiet, dedup, transport, notify.DispatcherConfig{}, zerolog.Nop())
	dispatcher.SetObserver(counters.Observe)

	svc := New(Options{
		Source:     source,
		Dedup:      dedup,
		Batcher:    batcher,
		Queue:      queue,
		Dispatcher: dispatcher,
		Observer:   counters.Observe,
	}, zerolog.Nop())

	return &pipeline{
		service:   svc,
		source:    source,
		transport: transport,
		counters:  counters,
		queue:     queue,
		batcher:   batcher,
	}
}

func priceEvent(product, recipient string, price float64, at time.Time) event.PriceEvent {
	return event.PriceEvent{
		ProductID:     product,
		ProductName:   product,
		Recipient:     recipient,
		ObservedPrice: decimal.NewFromFloat(price),
		PreviousPrice: decimal.NewFromFloat(price * 2),
		ObservedAt:    at,
	}
}

func TestProcessTickDeliversAdmittedEvent(t *testing.T) {
	p := newPipeline(t, 0, nil)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	p.source.Push(priceEvent("P", "r@example.com", 10, now))

	if err := p.service.ProcessTick(context.Background(), now); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	sent := p.transport.sent()
	if len(sent) != 1 {
		t.Fatalf("应发送 1 封邮件, 实际 %d", len(sent))
	}
	if sent[0].Kind != notify.KindIndividual || sent[0].Recipient != "r@example.com" {
		t.Fatal("任务内容不符")
	}
	if p.counters.Count(notify.EventSent) != 1 {
		t.Fatal("observer 应记录 1 次 sent")
	}
}

func TestProcessTickDeduplicatesRepeatedEvents(t *testing.T) {
	p := newPipeline(t, 0, nil)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	// Two identical observations in the same poll, one more a tick later.
	p.source.Push(
		priceEvent("P", "r@example.com", 10, now),
		priceEvent("P", "r@example.com", 10, now),
	)
	if err := p.service.ProcessTick(context.Background(), now); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	later := now.Add(time.Minute)
	p.source.Push(priceEvent("P", "r@example.com", 10, later))
	if err := p.service.ProcessTick(context.Background(), later); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	if got := len(p.transport.sent()); got != 1 {
		t.Fatalf("重复事件只应产生 1 封邮件, 实际 %d", got)
	}
	if p.counters.Count(notify.EventDeduplicated) != 2 {
		t.Fatalf("应记录 2 次 deduplicated, 实际 %d", p.counters.Count(notify.EventDeduplicated))
	}
}

func TestProcessTickCoalescesSameRecipient(t *testing.T) {
	p := newPipeline(t, 5*time.Minute, nil)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	p.source.Push(
		priceEvent("P", "r@example.com", 10, now),
		priceEvent("Q", "r@example.com", 20, now),
	)
	if err := p.service.ProcessTick(context.Background(), now); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}
	if len(p.transport.sent()) != 0 {
		t.Fatal("合并窗口未到不应发送")
	}

	if err := p.service.ProcessTick(context.Background(), now.Add(5*time.Minute)); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	sent := p.transport.sent()
	if len(sent) != 1 {
		t.Fatalf("同收件人事件应合并为 1 封邮件, 实际 %d", len(sent))
	}
	if sent[0].Kind != notify.KindBulk || len(sent[0].Events) != 2 {
		t.Fatal("合并后的任务应为含 2 个事件的 bulk")
	}
}

func TestProcessTickFlushesDigestAtBoundary(t *testing.T) {
	modeFor := func(string) notify.DeliveryMode { return notify.ModeDigest }
	p := newPipeline(t, 0, modeFor)

	start := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	p.source.Push(priceEvent("P", "r@example.com", 10, start))
	if err := p.service.ProcessTick(context.Background(), start); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}
	if len(p.transport.sent()) != 0 {
		t.Fatal("digest 边界未到不应发送")
	}

	boundary := time.Date(2025, 1, 1, 11, 0, 30, 0, time.UTC)
	if err := p.service.ProcessTick(context.Background(), boundary); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	sent := p.transport.sent()
	if len(sent) != 1 {
		t.Fatalf("越过整点应发送 1 封 digest, 实际 %d", len(sent))
	}
	if sent[0].Kind != notify.KindDigest {
		t.Fatalf("任务类型应为 digest, 实际 %s", sent[0].Kind)
	}
}

func TestShutdownDropsUnpersistedJobsWithSignal(t *testing.T) {
	p := newPipeline(t, 0, nil)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	// A job scheduled for later stays queued through the final drain.
	job := notify.NewJob(notify.KindIndividual, "r@example.com",
		[]event.PriceEvent{priceEvent("P", "r@example.com", 10, now)}, now, now.Add(time.Hour))
	p.queue.Enqueue(job)

	p.service.Shutdown(context.Background())

	if p.queue.Len() != 0 {
		t.Fatal("停机后队列应清空")
	}
	if p.counters.Count(notify.EventDropped) != 1 {
		t.Fatalf("未配置持久化时应记录 dropped_on_shutdown, 实际 %d", p.counters.Count(notify.EventDropped))
	}
	if len(p.transport.sent()) != 0 {
		t.Fatal("停机丢弃的任务不应发送")
	}
}
