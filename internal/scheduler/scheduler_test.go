package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run 应以 context.Canceled 结束, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在预期时间内结束")
	}

	if got := ticks.Load(); got < 3 {
		t.Fatalf("应至少触发 3 次 tick, 实际 %d", got)
	}
}

func TestSchedulerTickErrorIsNotFatal(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if ticks.Add(1) >= 2 {
				cancel()
			}
			return errors.New("boom")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在预期时间内结束")
	}

	if got := ticks.Load(); got < 2 {
		t.Fatalf("tick 出错后应继续调度, 实际 %d 次", got)
	}
}

func TestSchedulerAlignsTickTimestamp(t *testing.T) {
	interval := 50 * time.Millisecond
	s := New(Options{Interval: interval, AlignToStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan time.Time, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			select {
			case got <- tick:
			default:
			}
			cancel()
			return nil
		})
	}()

	select {
	case tick := <-got:
		if !tick.Equal(tick.Truncate(interval)) {
			t.Fatalf("对齐模式下 tick 时间应落在间隔边界, 实际 %v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到任何 tick")
	}
	<-done
}
