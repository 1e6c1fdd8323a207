package config

// Config is the on-disk configuration (JSON, YAML or TOML).
//
// All durations are Go duration strings ("30s", "5m"). Empty means default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Sender   SenderConfig   `json:"sender"`
	Report   ReportConfig   `json:"report,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
}

// TelegramConfig is the operator bot. It is optional: without a token the
// agent runs headless.
type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	GroupLog     string  `json:"group_log,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// CommandRate is commands per second allowed per user (burst 3).
	CommandRate float64 `json:"command_rate,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the sqlite database.
//
//	"storage": { "path": "./data/queue.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the processor loop.
//
// Defaults:
//   - poll_interval: 30s (inside working hours)
//   - idle_interval: 5m (outside working hours, monitoring mode)
//   - max_attempts: 3
//   - work_hours: 0..23 (inclusive; start > end wraps midnight)
//   - delay: 60s..180s before each send
//   - min_spacing: delay.min
type QueueConfig struct {
	PollInterval string     `json:"poll_interval,omitempty"`
	IdleInterval string     `json:"idle_interval,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`
	Timezone     string     `json:"timezone,omitempty"`
	WorkHours    *WorkHours `json:"work_hours,omitempty"`
	Delay        Delay      `json:"delay,omitempty"`
	MinSpacing   string     `json:"min_spacing,omitempty"`
}

type WorkHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Delay struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// SenderConfig selects the send backend: "telegram", "dryrun" or "none".
// Gifts maps an amount (as a string key) to the gift id sent for it.
type SenderConfig struct {
	Driver  string            `json:"driver"`
	Token   string            `json:"token,omitempty"`
	Method  string            `json:"method,omitempty"`
	APIURL  string            `json:"api_url,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Gifts   map[string]string `json:"gifts,omitempty"`
}

// ReportConfig schedules a status summary to the log chat.
// Schedule is a standard 5-field cron expression, optionally prefixed with
// CRON_TZ=<zone>.
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// HTTPConfig controls the status endpoint.
//
// Prefer a loopback address. A non-loopback address requires a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
