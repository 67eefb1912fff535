package event

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a single historical observation used for trend rendering.
type PricePoint struct {
	At    time.Time
	Price decimal.Decimal
}

// PriceEvent describes one observed price change for a tracked product.
// Events are immutable once created.
type PriceEvent struct {
	ProductID     string
	ProductName   string
	Recipient     string
	ObservedPrice decimal.Decimal
	PreviousPrice decimal.Decimal
	ObservedAt    time.Time
	Source        string
	BuyURL        string
	History       []PricePoint
}

// DropPct returns the percentage drop from the previous price. A rise or a
// zero previous price yields a non-positive or zero result respectively.
func (e PriceEvent) DropPct() decimal.Decimal {
	if e.PreviousPrice.IsZero() {
		return decimal.Zero
	}
	return e.PreviousPrice.Sub(e.ObservedPrice).
		Div(e.PreviousPrice).
		Mul(decimal.NewFromInt(100))
}

// Direction reports the sign of the price move: 1 rise, -1 drop, 0 flat.
func (e PriceEvent) Direction() int {
	return e.ObservedPrice.Sub(e.PreviousPrice).Sign()
}

// Source supplies price-change events. Pull based; the pipeline polls it on
// every scheduler tick.
type Source interface {
	Poll(ctx context.Context) ([]PriceEvent, error)
}

// StaticSource hands out a fixed set of events once. Used by simulate-alert
// and tests.
type StaticSource struct {
	mu     sync.Mutex
	events []PriceEvent
}

// NewStaticSource seeds a static source.
func NewStaticSource(events ...PriceEvent) *StaticSource {
	return &StaticSource{events: events}
}

// Push appends events to be returned by the next Poll.
func (s *StaticSource) Push(events ...PriceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

// Poll drains and returns all queued events.
func (s *StaticSource) Poll(ctx context.Context) ([]PriceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out, nil
}

var _ Source = (*StaticSource)(nil)
