package storage

import (
	"time"
)

// JobRecord is the persisted audit row for a notification job.
type JobRecord struct {
	JobID       string
	Kind        string
	Recipient   string
	ProductIDs  []string
	EventCount  int
	Status      string
	Attempts    int
	LastError   *string
	Payload     []byte
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DailyJobCount aggregates job outcomes per day for export.
type DailyJobCount struct {
	Day    time.Time
	Status string
	Count  int64
}
