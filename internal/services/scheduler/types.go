package scheduler

import (
	"encoding/json"
	"time"

	"vaultbot/internal/storage"
)

// Config controls the scheduler service.
type Config struct {
	Enabled bool

	// Owner identifies this instance in the store's claim column.
	Owner string

	// PollInterval is the safety tick: the loop re-queries the store at
	// least this often even without a deadline or wake notification.
	PollInterval time.Duration

	// JobTimeout bounds a single handler invocation. 0 disables it.
	JobTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// CatchUpLimit caps how many missed occurrences a catch-up job fires
	// per wake cycle after extended downtime.
	CatchUpLimit int

	// DrainTimeout bounds Stop(): in-flight jobs get this long to finish.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = defaultOwner()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.CatchUpLimit <= 0 {
		c.CatchUpLimit = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// JobSpec is a request to schedule work.
//
// Exactly one of At / Every / Cron must be set, matching Kind. An empty ID
// gets a generated one; scheduling a duplicate ID while the existing job is
// still active fails with storage.ErrConflict.
type JobSpec struct {
	ID   string
	Kind storage.JobKind

	At    time.Time     // once
	Every time.Duration // every
	Cron  string        // cron

	Handler string
	Subject string
	Args    json.RawMessage

	MaxRetries int // -1 means the scheduler default
	CatchUp    bool
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Owner    string    `json:"owner"`
	Pending  int       `json:"pending"`
	NextFire time.Time `json:"next_fire,omitzero"`
}
