package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one answered question, logged after the loop completes.
type Interaction struct {
	ID            string
	CreatedAt     time.Time
	Question      string
	Answer        string
	CitationsJSON string // JSON array of citation records
	Cached        bool
	LatencyMs     int64
	Status        string // "answered" or "cached"
}

// Job is one unit of background work in the SQLite job queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
