package notify

import (
	"sync"
	"time"
)

// RateLimiter bounds deliveries per recipient inside a rolling window using
// a sliding log of send timestamps. Reservations are optimistic: the slot is
// taken at Reserve time and handed back via Rollback when the send fails, so
// two concurrent workers can never claim the same capacity slot.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sends  map[string][]time.Time
}

// NewRateLimiter builds a limiter allowing limit sends per window per
// recipient. The window defaults to one hour when non-positive.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		sends:  make(map[string][]time.Time),
	}
}

// Reserve attempts to claim a send slot for the recipient. When the window
// is full it returns granted=false plus the earliest instant at which the
// oldest timestamp expires out of the window.
func (l *RateLimiter) Reserve(recipient string, now time.Time) (granted bool, retryAfter time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.trimLocked(recipient, now)
	if len(stamps) >= l.limit {
		return false, stamps[0].Add(l.window)
	}
	l.sends[recipient] = append(stamps, now)
	return true, time.Time{}
}

// Rollback releases a reservation taken at the given instant after a failed
// send.
func (l *RateLimiter) Rollback(recipient string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.sends[recipient]
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Equal(at) {
			l.sends[recipient] = append(stamps[:i], stamps[i+1:]...)
			return
		}
	}
}

// InWindow reports how many reservations the recipient currently holds.
func (l *RateLimiter) InWindow(recipient string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trimLocked(recipient, now))
}

func (l *RateLimiter) trimLocked(recipient string, now time.Time) []time.Time {
	stamps := l.sends[recipient]
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		stamps = stamps[idx:]
		if len(stamps) == 0 {
			delete(l.sends, recipient)
			return nil
		}
		l.sends[recipient] = stamps
	}
	return stamps
}
