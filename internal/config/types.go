package config

// Config is the relay configuration file. Every duration is a Go duration
// string ("500ms", "10s", "4h"). Secrets can come from INTELRELAY_* env vars
// instead of the file.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Session    SessionConfig    `json:"session"`
	Sources    []SourceConfig   `json:"sources"`
	Output     OutputConfig     `json:"output"`
	AI         AIConfig         `json:"ai"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Connection ConnectionConfig `json:"connection"`
	Status     StatusConfig     `json:"status"`
	Logging    LoggingConfig    `json:"logging"`

	// Notifier defaults to enabled when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Debug    DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	// Token seeds the credential file on first run; `intelrelay login`
	// asks for it interactively otherwise.
	Token string `env:"INTELRELAY_TELEGRAM_TOKEN" json:"token,omitempty"`
	// APIURL points at a local Bot API server (optional).
	APIURL      string `env:"INTELRELAY_TELEGRAM_API_URL" json:"api_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// SessionConfig locates the credential file and the instance lock.
type SessionConfig struct {
	Name           string `env:"INTELRELAY_SESSION_NAME" json:"name"`
	Dir            string `env:"INTELRELAY_SESSION_DIR"  json:"dir"`
	LockStaleAfter string `json:"lock_stale_after,omitempty"`
}

// SourceConfig is one monitored channel. ID is a numeric chat id or
// @username; Destination overrides output.default for this source.
type SourceConfig struct {
	ID          ChatRef `json:"id"`
	Destination ChatRef `json:"destination,omitempty"`
}

type OutputConfig struct {
	Default ChatRef `env:"INTELRELAY_OUTPUT_CHANNEL" json:"default"`
	// Status receives startup/periodic/error reports. Empty disables them.
	Status         ChatRef `env:"INTELRELAY_STATUS_CHANNEL" json:"status,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
}

type AIConfig struct {
	// Provider is "anthropic" or "openai" (any OpenAI-compatible endpoint).
	Provider  string `env:"INTELRELAY_AI_PROVIDER" json:"provider"`
	Model     string `env:"INTELRELAY_AI_MODEL"    json:"model,omitempty"`
	APIKey    string `env:"INTELRELAY_AI_API_KEY"  json:"api_key,omitempty"`
	BaseURL   string `env:"INTELRELAY_AI_BASE_URL" json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type PipelineConfig struct {
	MaxDocumentMB int         `json:"max_document_mb,omitempty"`
	MaxInputChars int         `json:"max_input_chars,omitempty"`
	Retry         RetryConfig `json:"retry"`
}

// RetryConfig mirrors retry.Policy. Zero fields take the policy's default.
type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

type DispatchConfig struct {
	UnitTimeout string `json:"unit_timeout,omitempty"`
	GracePeriod string `json:"grace_period,omitempty"`
	CancelWait  string `json:"cancel_wait,omitempty"`
}

type ConnectionConfig struct {
	KeepaliveInterval string      `json:"keepalive_interval,omitempty"`
	PingTimeout       string      `json:"ping_timeout,omitempty"`
	MaxPingFailures   int         `json:"max_ping_failures,omitempty"`
	SendRate          float64     `json:"send_rate,omitempty"`
	SendBurst         int         `json:"send_burst,omitempty"`
	ShutdownTimeout   string      `json:"shutdown_timeout,omitempty"`
	Reconnect         RetryConfig `json:"reconnect"`
	Call              RetryConfig `json:"call"`
}

type StatusConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	ErrorAlerts *bool  `json:"error_alerts,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./intelrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type LoggingConfig struct {
	Level    string          `env:"INTELRELAY_LOG_LEVEL" json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines into a chat (output.status by default).
type LoggingTelegram struct {
	Enabled    bool    `json:"enabled"`
	Target     ChatRef `json:"target,omitempty"`
	MinLevel   string  `json:"min_level"`
	RatePerSec int     `json:"rate_per_sec"`
}

// DebugConfig controls the local health/metrics/pprof server.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `env:"INTELRELAY_DEBUG_TOKEN" json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
}
