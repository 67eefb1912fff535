package storage

import (
	"context"

	"github.com/rs/zerolog"

	"price-alert-mailer/internal/event"
)

// EventSource adapts the store into an event.Source polled by the pipeline.
// The tracker's scrapers insert rows into price_events; each Poll claims a
// batch exactly once.
type EventSource struct {
	claimer       EventClaimer
	batchSize     int
	historyPoints int
	logger        zerolog.Logger
}

// NewEventSource constructs the store-backed source.
func NewEventSource(claimer EventClaimer, batchSize, historyPoints int, logger zerolog.Logger) *EventSource {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &EventSource{
		claimer:       claimer,
		batchSize:     batchSize,
		historyPoints: historyPoints,
		logger:        logger.With().Str("component", "event_source").Logger(),
	}
}

// Poll claims the next batch of unprocessed price events.
func (s *EventSource) Poll(ctx context.Context) ([]event.PriceEvent, error) {
	events, err := s.claimer.ClaimEvents(ctx, s.batchSize, s.historyPoints)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		s.logger.Debug().Int("claimed", len(events)).Msg("claimed price events")
	}
	return events, nil
}

var _ event.Source = (*EventSource)(nil)
