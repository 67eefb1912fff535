package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a local time-of-day window during which no delivery attempt
// is made. A start later than the end means the window wraps midnight.
type QuietHours struct {
	enabled  bool
	startMin int
	endMin   int
}

// ParseClock parses an "HH:MM" local time-of-day into minutes since
// midnight.
func ParseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("notify: 时间格式应为 HH:MM, 实际 %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("notify: 小时不合法: %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("notify: 分钟不合法: %q", value)
	}
	return hour*60 + minute, nil
}

// NewQuietHours builds the gate from "HH:MM" boundaries. Identical start and
// end disable the gate entirely.
func NewQuietHours(start, end string) (QuietHours, error) {
	startMin, err := ParseClock(start)
	if err != nil {
		return QuietHours{}, err
	}
	endMin, err := ParseClock(end)
	if err != nil {
		return QuietHours{}, err
	}
	if startMin == endMin {
		return QuietHours{}, nil
	}
	return QuietHours{enabled: true, startMin: startMin, endMin: endMin}, nil
}

// Suppressed reports whether now falls inside the quiet window.
func (q QuietHours) Suppressed(now time.Time) bool {
	if !q.enabled {
		return false
	}
	min := now.Hour()*60 + now.Minute()
	if q.startMin <= q.endMin {
		return min >= q.startMin && min < q.endMin
	}
	// wraps midnight
	return min >= q.startMin || min < q.endMin
}

// Permit reports whether delivery may proceed at now. When suppressed it
// returns the next instant at which the window ends, rolling to the next
// calendar day when today's end boundary already passed.
func (q QuietHours) Permit(now time.Time) (allowed bool, nextAllowed time.Time) {
	if !q.Suppressed(now) {
		return true, time.Time{}
	}

	end := time.Date(now.Year(), now.Month(), now.Day(), q.endMin/60, q.endMin%60, 0, 0, now.Location())
	if !end.After(now) {
		end = end.AddDate(0, 0, 1)
	}
	return false, end
}
