package notify

import (
	"sync"
	"time"

	"price-alert-mailer/internal/event"
)

// DedupKey identifies an alert-worthy observation: same product at the same
// rounded price on the same calendar day maps to the same key.
type DedupKey struct {
	ProductID string
	Price     string
	Day       string
	Direction int
}

// DedupEntry is a persisted dedup table row.
type DedupEntry struct {
	Key        DedupKey
	NotifiedAt time.Time
}

// Deduplicator suppresses repeated events for the same DedupKey within the
// configured horizon. Admission is optimistic: an admitted key is recorded
// immediately so a second event in the same tick cannot slip through.
type Deduplicator struct {
	mu          sync.Mutex
	horizon     time.Duration
	directional bool
	seen        map[DedupKey]time.Time
}

// NewDeduplicator constructs a deduplicator. A non-positive horizon falls
// back to 24h. When directional is set, a price drop and a price rise to the
// same value are tracked separately.
func NewDeduplicator(horizon time.Duration, directional bool) *Deduplicator {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Deduplicator{
		horizon:     horizon,
		directional: directional,
		seen:        make(map[DedupKey]time.Time),
	}
}

func (d *Deduplicator) keyFor(ev event.PriceEvent) DedupKey {
	key := DedupKey{
		ProductID: ev.ProductID,
		Price:     ev.ObservedPrice.Round(2).String(),
		Day:       ev.ObservedAt.Format("2006-01-02"),
	}
	if d.directional {
		key.Direction = ev.Direction()
	}
	return key
}

// Admit reports whether the event should enter the pipeline. A rejected
// event is a silent duplicate; callers count it via the observer.
func (d *Deduplicator) Admit(ev event.PriceEvent, now time.Time) bool {
	key := d.keyFor(ev)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.horizon {
		return false
	}
	d.seen[key] = now
	return true
}

// MarkNotified refreshes the last-notified timestamps after a successful
// delivery so the horizon counts from the send, not the admission.
func (d *Deduplicator) MarkNotified(events []event.PriceEvent, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range events {
		d.seen[d.keyFor(ev)] = now
	}
}

// Prune drops entries that aged past the horizon.
func (d *Deduplicator) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, at := range d.seen {
		if now.Sub(at) >= d.horizon {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Snapshot exports live entries for persistence on shutdown.
func (d *Deduplicator) Snapshot(now time.Time) []DedupEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]DedupEntry, 0, len(d.seen))
	for key, at := range d.seen {
		if now.Sub(at) < d.horizon {
			entries = append(entries, DedupEntry{Key: key, NotifiedAt: at})
		}
	}
	return entries
}

// Restore reloads persisted entries at startup.
func (d *Deduplicator) Restore(entries []DedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.seen[e.Key] = e.NotifiedAt
	}
}
