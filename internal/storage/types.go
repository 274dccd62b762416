package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps storage I/O failures.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a referenced job/record is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on a duplicate active job ID, or when a state
	// transition is not permitted (e.g. cancelling a running job).
	ErrConflict = errors.New("conflict")
)

// Config configures a single SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type JobKind string

const (
	JobOnce  JobKind = "once"  // fires once at NextFire, then terminal
	JobEvery JobKind = "every" // fixed interval; Spec is a Go duration string
	JobCron  JobKind = "cron"  // Spec is a cron expression
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusCancelled JobStatus = "cancelled"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether a job in this status never fires again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Job is one row of the durable job table.
//
// Invariant: exactly one authoritative NextFire per active job; the store
// copy is ground truth across restarts.
type Job struct {
	ID       string    `json:"id"`
	Kind     JobKind   `json:"kind"`
	Spec     string    `json:"spec,omitempty"` // interval/cron expression; empty for one-shot
	NextFire time.Time `json:"next_fire"`

	Handler string          `json:"handler"`
	Subject string          `json:"subject,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	Status     JobStatus `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"` // -1 means "use scheduler default"
	CatchUp    bool      `json:"catch_up,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ClaimedBy  string    `json:"claimed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateRecord is the per-subject application context.
// At most one live record per subject; updates are last-writer-wins.
type StateRecord struct {
	Subject   string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Stats is a small operator-facing summary of the state store.
type Stats struct {
	Records  int
	Active   int // records touched within the activity window
	Settings int
}
