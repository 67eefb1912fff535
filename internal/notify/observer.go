package notify

import "sync"

// Event labels a pipeline observability signal.
type Event string

const (
	EventAdmitted       Event = "admitted"
	EventDeduplicated   Event = "deduplicated"
	EventRateDeferred   Event = "rate_deferred"
	EventQuietDeferred  Event = "quiet_deferred"
	EventBatched        Event = "batched"
	EventSent           Event = "sent"
	EventFailedRetry    Event = "failed_retry"
	EventFailedTerminal Event = "failed_terminal"
	EventDropped        Event = "dropped_on_shutdown"
)

// Signal carries the context of a pipeline event to observers.
type Signal struct {
	Event     Event
	Recipient string
	JobID     string
	ProductID string
	Detail    string
}

// Observer consumes pipeline signals. Implementations must be safe for
// concurrent use; the dispatcher emits from multiple workers.
type Observer func(Signal)

func emit(o Observer, s Signal) {
	if o != nil {
		o(s)
	}
}

// Counters tallies pipeline events. Implements Observer via Observe.
type Counters struct {
	mu     sync.Mutex
	counts map[Event]int
}

// NewCounters constructs an empty counter set.
func NewCounters() *Counters {
	return &Counters{counts: make(map[Event]int)}
}

// Observe records one signal.
func (c *Counters) Observe(s Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[s.Event]++
}

// Count returns the tally for one event.
func (c *Counters) Count(e Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[e]
}
