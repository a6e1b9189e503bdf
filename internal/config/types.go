package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "2h").
// Omitted fields fall back to the defaults applied by the consuming service.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	OpenF1     OpenF1Config      `json:"openf1"`
	Live       LiveConfig        `json:"live"`
	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty"`
	Ledger     LedgerConfig      `json:"ledger"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Display    DisplayConfig     `json:"display"`
	NATS       *NATSConfig       `json:"nats,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
	// AllowedChatIDs restricts who may start live updates. Empty means everyone.
	AllowedChatIDs []int64 `json:"allowed_chat_ids,omitempty"`
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

// OpenF1Config points at the upstream timing and results APIs.
//
// Defaults:
//   - base_url: "https://api.openf1.org/v1"
//   - jolpica_url: "https://api.jolpi.ca/ergast/f1"
//   - timeout: "8s"
//   - rate_per_sec: 6
type OpenF1Config struct {
	BaseURL    string `json:"base_url,omitempty"`
	JolpicaURL string `json:"jolpica_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// LiveConfig controls the session poll loop and event debouncing.
//
// Defaults:
//   - poll_interval: "5s" (session live)
//   - idle_interval: "1m" (session upcoming)
//   - backoff_base: "2s", backoff_max: "1m"
//   - unavailable_after: 3 failures at the backoff ceiling
//   - retirement_cycles: 2
//   - finish_timeout: "10m" without fresh data after going live
//   - stop_after_finish: "3m"
//   - dashboard_interval: "15s"
type LiveConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	IdleInterval      string `json:"idle_interval,omitempty"`
	BackoffBase       string `json:"backoff_base,omitempty"`
	BackoffMax        string `json:"backoff_max,omitempty"`
	UnavailableAfter  int    `json:"unavailable_after,omitempty"`
	RetirementCycles  int    `json:"retirement_cycles,omitempty"`
	FinishTimeout     string `json:"finish_timeout,omitempty"`
	StopAfterFinish   string `json:"stop_after_finish,omitempty"`
	Dashboard         *bool  `json:"dashboard,omitempty"`
	DashboardInterval string `json:"dashboard_interval,omitempty"`
}

// DispatcherConfig controls per-chat delivery.
//
// If the whole section is omitted the dispatcher runs with its defaults:
// min_interval "1s", queue_size 64, retry_max 3, retry_base "500ms",
// retry_max_delay "10s", coalesce_max 5, send_timeout "10s".
type DispatcherConfig struct {
	MinInterval   string `json:"min_interval"`
	QueueSize     int    `json:"queue_size"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	CoalesceMax   int    `json:"coalesce_max"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// LedgerConfig controls event deduplication.
//
// Example:
//
//	"ledger": { "grace": "2h", "sweep": "@every 10m", "storage": { "driver": "badger", "path": "./data/ledger" } }
type LedgerConfig struct {
	Grace   string         `json:"grace,omitempty"`
	Sweep   string         `json:"sweep,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// StorageConfig selects the durable ledger backend: "memory" (default), "file", "sqlite", "badger".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// TTL expires badger entries of sessions that were never marked finished (default "72h").
	TTL string `json:"ttl,omitempty"`
}

// SchedulerConfig controls housekeeping triggers.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Prewarm is a schedule (cron or duration) for refreshing the upcoming session cache.
	Prewarm string `json:"prewarm,omitempty"`
}

// DisplayConfig controls how times are rendered to chats.
type DisplayConfig struct {
	// Timezone is an IANA name or a fixed offset like "UTC+4".
	Timezone string `json:"timezone,omitempty"`
}

// NATSConfig mirrors admitted race events to NATS subjects.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Name          string `json:"name,omitempty"`
}
