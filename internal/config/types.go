package config

// Config is the on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// A missing file is not an error: defaults plus environment overrides
// (PORT, DB_PATH, JOB_DB_PATH, LOG_LEVEL) describe a complete deployment,
// matching the original container contract.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
}

// ServerConfig controls the webhook receiver.
type ServerConfig struct {
	Port int `json:"port"`

	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes caps an inbound payload. 0 means the default (1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// RatePerSec/Burst throttle inbound requests. 0 disables throttling.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	// DedupWindow suppresses redundant deliveries of the same correlation ID.
	// "0s" disables dedup.
	DedupWindow string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the two durable stores.
type StorageConfig struct {
	StatePath   string `json:"state_path"`
	JobsPath    string `json:"jobs_path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the durable job scheduler.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// PollInterval is a safety tick: the loop re-queries due jobs at least
	// this often even without a timer deadline or wake notification.
	PollInterval string `json:"poll_interval,omitempty"`

	// ClaimOwner identifies this instance in job claims. Empty means
	// hostname-pid.
	ClaimOwner string `json:"claim_owner,omitempty"`

	// JobTimeout bounds a single handler attempt. "0s" disables the bound.
	JobTimeout string `json:"job_timeout,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// CatchUpLimit caps how many missed occurrences a catch-up job may fire
	// per wake cycle after extended downtime.
	CatchUpLimit int `json:"catch_up_limit,omitempty"`

	DrainTimeout string `json:"drain_timeout,omitempty"`

	// RetainTerminal is how long completed/cancelled/failed jobs are kept
	// before the maintenance job prunes them. "0s" keeps them forever.
	RetainTerminal string `json:"retain_terminal,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// DispatchConfig controls the handler execution path fed by the receiver.
type DispatchConfig struct {
	QueueSize int `json:"queue_size,omitempty"`
	Workers   int `json:"workers,omitempty"`
}

// Default returns the configuration the container contract implies when no
// config file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              10000,
			ReadHeaderTimeout: "5s",
			ShutdownTimeout:   "10s",
			DedupWindow:       "10m",
		},
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Storage: StorageConfig{
			StatePath:   "/data/database.sqlite3",
			JobsPath:    "/data/jobs.sqlite",
			BusyTimeout: "5s",
		},
		Scheduler: SchedulerConfig{
			PollInterval:   "30s",
			JobTimeout:     "1m",
			RetryMax:       3,
			RetryBase:      "1s",
			RetryMaxDelay:  "60s",
			CatchUpLimit:   10,
			DrainTimeout:   "10s",
			RetainTerminal: "168h",
		},
		Dispatch: DispatchConfig{QueueSize: 256, Workers: 2},
	}
}
