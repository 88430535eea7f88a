package config

// Config is the on-disk configuration. JSON and YAML share the same keys.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "3m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Twitter     TwitterConfig     `json:"twitter"`
	Streams     StreamsConfig     `json:"streams"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	Status      StatusConfig      `json:"status"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the operator chat id that receives mirrored warn/error logs.
	GroupLog    string `json:"group_log"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// TwitterConfig holds the application (consumer) credentials and the
// filtered stream endpoint. Per-chat user tokens live in storage.
type TwitterConfig struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	StreamURL      string `json:"stream_url,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	StallTimeout   string `json:"stall_timeout,omitempty"`
}

// StreamsConfig tunes the per-chat stream workers.
//
// Defaults (when omitted/zero):
//   - backoff_min: "1s"
//   - backoff_max: "5m"
//   - rate_limit_min: "1m"
//   - reset_after: "30s"
//   - max_retries: 0 (unlimited)
//   - stop_grace: "5s"
//   - bootstrap_concurrency: 4
type StreamsConfig struct {
	BackoffMin           string `json:"backoff_min,omitempty"`
	BackoffMax           string `json:"backoff_max,omitempty"`
	RateLimitMin         string `json:"rate_limit_min,omitempty"`
	ResetAfter           string `json:"reset_after,omitempty"`
	MaxRetries           int    `json:"max_retries,omitempty"`
	StopGrace            string `json:"stop_grace,omitempty"`
	BootstrapConcurrency int    `json:"bootstrap_concurrency,omitempty"`
}

// MaintenanceConfig controls the periodic retire/reconcile tick.
// Schedule (a cron expression) wins over Interval when both are set.
type MaintenanceConfig struct {
	Interval string `json:"interval,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Reconcile is a pointer so an omitted key defaults to true.
	Reconcile *bool  `json:"reconcile,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// ReconcileEnabled reports the effective reconcile flag.
func (m MaintenanceConfig) ReconcileEnabled() bool {
	return m.Reconcile == nil || *m.Reconcile
}

// DeliveryConfig controls the async delivery pipeline.
type DeliveryConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tweetfwd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
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

// StatusConfig controls the operator HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/). Binding beyond loopback requires a token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
