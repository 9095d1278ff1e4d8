package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"intelrelay/internal/ai"
	"intelrelay/internal/connection"
	"intelrelay/internal/dispatch"
	"intelrelay/internal/instancelock"
	"intelrelay/internal/notifier"
	"intelrelay/internal/observability/debughttp"
	"intelrelay/internal/pipeline"
	"intelrelay/internal/retry"
	"intelrelay/internal/status"
	"intelrelay/internal/storage"
	"intelrelay/internal/transport"
	"intelrelay/internal/transport/telegram"
	logx "intelrelay/pkg/logx"
)

const DefaultSessionName = "intelrelay"

// ApplyDefaults fills fields whose zero value is not a usable default.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Session.Name) == "" {
		c.Session.Name = DefaultSessionName
	}
	if strings.TrimSpace(c.Session.Dir) == "" {
		c.Session.Dir = "."
	}
	if strings.TrimSpace(c.AI.Provider) == "" {
		c.AI.Provider = "anthropic"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.Sources) == 0 {
		add(errors.New("sources: at least one monitored source is required"))
	}
	seen := map[transport.SourceID]bool{}
	for i, s := range c.Sources {
		k := transport.NormalizeSource(string(s.ID))
		switch {
		case k == "":
			add(fmt.Errorf("sources[%d].id: required", i))
		case seen[k]:
			add(fmt.Errorf("sources[%d].id: duplicate source %q", i, s.ID))
		}
		seen[k] = true
		if s.Destination == "" && c.Output.Default == "" {
			add(fmt.Errorf("sources[%d]: no destination and no output.default", i))
		}
	}
	if strings.ContainsAny(c.Session.Name, `/\`) {
		add(fmt.Errorf("session.name: %q must not contain path separators", c.Session.Name))
	}

	switch strings.ToLower(strings.TrimSpace(c.AI.Provider)) {
	case "", "anthropic", "openai":
	default:
		add(fmt.Errorf("ai.provider: unknown provider %q (anthropic, openai)", c.AI.Provider))
	}
	if c.AI.MaxTokens < 0 {
		add(errors.New("ai.max_tokens: must be >= 0"))
	}
	if c.Pipeline.MaxDocumentMB < 0 || c.Pipeline.MaxDocumentMB > 2000 {
		add(errors.New("pipeline.max_document_mb: must be between 0 and 2000"))
	}

	for path, raw := range map[string]string{
		"session.lock_stale_after":      c.Session.LockStaleAfter,
		"telegram.poll_timeout":         c.Telegram.PollTimeout,
		"telegram.http_timeout":         c.Telegram.HTTPTimeout,
		"ai.timeout":                    c.AI.Timeout,
		"dispatch.unit_timeout":         c.Dispatch.UnitTimeout,
		"dispatch.grace_period":         c.Dispatch.GracePeriod,
		"dispatch.cancel_wait":          c.Dispatch.CancelWait,
		"connection.keepalive_interval": c.Connection.KeepaliveInterval,
		"connection.ping_timeout":       c.Connection.PingTimeout,
		"connection.shutdown_timeout":   c.Connection.ShutdownTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	for path, rc := range map[string]RetryConfig{
		"pipeline.retry":       c.Pipeline.Retry,
		"connection.reconnect": c.Connection.Reconnect,
		"connection.call":      c.Connection.Call,
	} {
		_, err := rc.Policy(path, retry.Default)
		add(err)
	}

	_, err := c.NotifierSettings()
	add(err)
	_, err = c.StorageSettings()
	add(err)
	if c.Debug.Enabled {
		add(debughttp.CheckBind(c.DebugSettings()))
	}
	if c.Output.Status != "" || c.Status.Schedule != "" {
		_, err = status.New(c.StatusSettings(), nil, nil)
		add(err)
	}
	return errors.Join(errs...)
}

// Policy converts rc to a retry.Policy, starting from def.
func (rc RetryConfig) Policy(path string, def retry.Policy) (retry.Policy, error) {
	p := def
	if rc.MaxAttempts < 0 {
		return p, fmt.Errorf("%s.max_attempts: must be >= 0", path)
	}
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.Multiplier != 0 {
		if rc.Multiplier < 1 {
			return p, fmt.Errorf("%s.multiplier: must be >= 1", path)
		}
		p.Multiplier = rc.Multiplier
	}
	if rc.Jitter != 0 {
		if rc.Jitter < 0 || rc.Jitter >= 1 {
			return p, fmt.Errorf("%s.jitter: must be in [0, 1)", path)
		}
		p.Jitter = rc.Jitter
	}
	var err error
	if p.InitialDelay, err = ParseDurationOrDefault(path+".initial_delay", rc.InitialDelay, p.InitialDelay); err != nil {
		return p, err
	}
	if p.MaxDelay, err = ParseDurationOrDefault(path+".max_delay", rc.MaxDelay, p.MaxDelay); err != nil {
		return p, err
	}
	return p, nil
}

// SourceIDs are the monitored keys in config order.
func (c *Config) SourceIDs() []transport.SourceID {
	out := make([]transport.SourceID, 0, len(c.Sources))
	for _, s := range c.Sources {
		if k := transport.NormalizeSource(string(s.ID)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Routes maps sources with an explicit destination.
func (c *Config) Routes() map[string]string {
	out := map[string]string{}
	for _, s := range c.Sources {
		if d := strings.TrimSpace(string(s.Destination)); d != "" {
			out[string(s.ID)] = d
		}
	}
	return out
}

// CredentialPath is where the session credential lives.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.Session.Dir, c.Session.Name+".session.yaml")
}

func (c *Config) LogSettings() logx.Config {
	target := strings.TrimSpace(string(c.Logging.Telegram.Target))
	if target == "" {
		target = strings.TrimSpace(string(c.Output.Status))
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled && target != "",
			Target:     target,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

func (c *Config) TelegramSettings() telegram.Config {
	poll, _ := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	httpTimeout, _ := ParseDurationField("telegram.http_timeout", c.Telegram.HTTPTimeout)
	return telegram.Config{APIURL: strings.TrimSpace(c.Telegram.APIURL), PollTimeout: poll, HTTPTimeout: httpTimeout}
}

func (c *Config) ConnectionSettings() (connection.Config, error) {
	stale, err := ParseDurationOrDefault("session.lock_stale_after", c.Session.LockStaleAfter, instancelock.DefaultStaleAfter)
	if err != nil {
		return connection.Config{}, err
	}
	out := connection.Config{
		Identity:        c.Session.Name,
		LockDir:         c.Session.Dir,
		StaleAfter:      stale,
		Sources:         c.SourceIDs(),
		MaxPingFailures: c.Connection.MaxPingFailures,
		SendRate:        c.Connection.SendRate,
		SendBurst:       c.Connection.SendBurst,
	}
	if out.KeepaliveInterval, err = ParseDurationField("connection.keepalive_interval", c.Connection.KeepaliveInterval); err != nil {
		return out, err
	}
	if out.PingTimeout, err = ParseDurationField("connection.ping_timeout", c.Connection.PingTimeout); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = ParseDurationField("connection.shutdown_timeout", c.Connection.ShutdownTimeout); err != nil {
		return out, err
	}
	if out.Reconnect, err = c.Connection.Reconnect.Policy("connection.reconnect", retry.Reconnect); err != nil {
		return out, err
	}
	if out.Call, err = c.Connection.Call.Policy("connection.call", retry.Default); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) DispatchSettings() (dispatch.Config, error) {
	out := dispatch.Config{Sources: c.SourceIDs()}
	var err error
	if out.UnitTimeout, err = ParseDurationField("dispatch.unit_timeout", c.Dispatch.UnitTimeout); err != nil {
		return out, err
	}
	if out.GracePeriod, err = ParseDurationField("dispatch.grace_period", c.Dispatch.GracePeriod); err != nil {
		return out, err
	}
	if out.CancelWait, err = ParseDurationField("dispatch.cancel_wait", c.Dispatch.CancelWait); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) PipelineSettings() (pipeline.Config, error) {
	llm, err := c.Pipeline.Retry.Policy("pipeline.retry", retry.Default)
	if err != nil {
		return pipeline.Config{}, err
	}
	out := pipeline.Config{
		LLM:            llm,
		MaxInputRunes:  c.Pipeline.MaxInputChars,
		DisablePreview: c.Output.DisablePreview,
	}
	if c.Pipeline.MaxDocumentMB > 0 {
		out.MaxDocumentBytes = int64(c.Pipeline.MaxDocumentMB) << 20
	}
	return out, nil
}

func (c *Config) AISettings() (ai.Config, error) {
	timeout, err := ParseDurationOrDefault("ai.timeout", c.AI.Timeout, 2*time.Minute)
	if err != nil {
		return ai.Config{}, err
	}
	return ai.Config{
		Provider:  strings.ToLower(strings.TrimSpace(c.AI.Provider)),
		Model:     strings.TrimSpace(c.AI.Model),
		APIKey:    strings.TrimSpace(c.AI.APIKey),
		BaseURL:   strings.TrimSpace(c.AI.BaseURL),
		MaxTokens: int64(c.AI.MaxTokens),
		Timeout:   timeout,
	}, nil
}

func (c *Config) StatusSettings() status.Config {
	alerts := true
	if c.Status.ErrorAlerts != nil {
		alerts = *c.Status.ErrorAlerts
	}
	return status.Config{
		Destination: transport.Destination(strings.TrimSpace(string(c.Output.Status))),
		Schedule:    c.Status.Schedule,
		Timezone:    c.Status.Timezone,
		ErrorAlerts: alerts,
	}
}

// NotifierSettings resolves the notifier block; an omitted block means
// enabled with defaults.
func (c *Config) NotifierSettings() (notifier.Config, error) {
	n := c.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.DedupWindow, err = ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return out, err
	}
	return out, nil
}

// StorageSettings resolves the storage block; omitted means disabled.
func (c *Config) StorageSettings() (storage.Config, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{}, nil
	}
	out := storage.Config{Driver: strings.ToLower(strings.TrimSpace(s.Driver)), Path: strings.TrimSpace(s.Path)}
	switch out.Driver {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path: required for driver %q", out.Driver)
		}
	default:
		return out, fmt.Errorf("storage.driver: unknown driver %q (file, sqlite, none)", s.Driver)
	}
	var err error
	out.BusyTimeout, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return out, err
}

func (c *Config) DebugSettings() debughttp.Config {
	d := c.Debug
	return debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		PprofPrefix:   d.PprofPrefix,
	}
}
