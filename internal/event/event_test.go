package event

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDropPct(t *testing.T) {
	cases := []struct {
		observed, previous int64
		want               string
	}{
		{80, 100, "20"},
		{50, 100, "50"},
		{110, 100, "-10"},
		{100, 0, "0"},
	}
	for _, tc := range cases {
		ev := PriceEvent{
			ObservedPrice: decimal.NewFromInt(tc.observed),
			PreviousPrice: decimal.NewFromInt(tc.previous),
		}
		if got := ev.DropPct(); got.String() != tc.want {
			t.Fatalf("%d→%d 的跌幅应为 %s, 实际 %s", tc.previous, tc.observed, tc.want, got)
		}
	}
}

func TestDirection(t *testing.T) {
	ev := PriceEvent{ObservedPrice: decimal.NewFromInt(80), PreviousPrice: decimal.NewFromInt(100)}
	if ev.Direction() != -1 {
		t.Fatal("下跌方向应为 -1")
	}
	ev.ObservedPrice = decimal.NewFromInt(120)
	if ev.Direction() != 1 {
		t.Fatal("上涨方向应为 1")
	}
	ev.ObservedPrice = decimal.NewFromInt(100)
	if ev.Direction() != 0 {
		t.Fatal("持平方向应为 0")
	}
}

func TestStaticSourceDrainsOnPoll(t *testing.T) {
	src := NewStaticSource(PriceEvent{ProductID: "P", ObservedAt: time.Now()})
	src.Push(PriceEvent{ProductID: "Q"})

	events, err := src.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("应返回 2 个事件, 实际 %d", len(events))
	}

	events, err = src.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("第二次 Poll 应为空")
	}
}
