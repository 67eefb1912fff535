package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-mailer/internal/event"
	"price-alert-mailer/internal/notify"
)

// SimulateAlert 用给定的价格变动构造一个事件并完整走一遍投递管线。
// 为了立即看到结果，模拟跳过静默时段与合并窗口。
func (a *App) SimulateAlert(ctx context.Context, recipient, productName string, observed, previous decimal.Decimal) error {
	// Identical boundaries disable the quiet-hours gate.
	quiet, err := notify.NewQuietHours("00:00", "00:00")
	if err != nil {
		return err
	}

	eng, err := a.buildEngine(a.newSender(), quiet, 0)
	if err != nil {
		return err
	}
	eng.dispatcher.SetObserver(logObserver(a.Logger))

	now := time.Now().UTC()
	ev := event.PriceEvent{
		ProductID:     "simulated",
		ProductName:   productName,
		Recipient:     recipient,
		ObservedPrice: observed,
		PreviousPrice: previous,
		ObservedAt:    now,
		Source:        "simulate-alert",
	}

	if !eng.dedup.Admit(ev, now) {
		a.Logger.Warn().Msg("模拟事件被判定为重复")
		return nil
	}
	eng.batcher.Route(ev, now)
	for _, job := range eng.batcher.CloseDue(now) {
		eng.queue.Enqueue(job)
	}

	eng.dispatcher.Drain(ctx, now)
	return nil
}
