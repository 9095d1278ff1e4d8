package config

import (
	"reflect"
	"strings"

	logx "intelrelay/pkg/logx"
)

// Change is the result of comparing two configs.
type Change struct {
	// Sections lists changed top-level keys in file order.
	Sections []string
	// Attrs are safe to log: secrets are reported as set/unset only.
	Attrs []logx.Field
}

// LiveOnly reports whether every changed section can be applied without a
// restart. Only logging is live.
func (c Change) LiveOnly() bool {
	for _, s := range c.Sections {
		if s != "logging" {
			return false
		}
	}
	return true
}

// RestartRequired lists the changed sections that only take effect on the
// next start.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, changed bool, attrs ...logx.Field) {
		if changed {
			ch.Sections = append(ch.Sections, section)
			ch.Attrs = append(ch.Attrs, attrs...)
		}
	}

	mark("telegram", !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram),
		logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
	)
	mark("session", oldCfg.Session != newCfg.Session,
		logx.String("session.name", newCfg.Session.Name),
		logx.String("session.dir", newCfg.Session.Dir),
	)
	mark("sources", !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources),
		logx.Int("sources.count", len(newCfg.Sources)),
	)
	mark("output", oldCfg.Output != newCfg.Output,
		logx.String("output.default", newCfg.Output.Default.String()),
		logx.Bool("output.status_set", newCfg.Output.Status != ""),
	)
	mark("ai", oldCfg.AI != newCfg.AI,
		logx.String("ai.provider", newCfg.AI.Provider),
		logx.String("ai.model", newCfg.AI.Model),
		logx.Bool("ai.api_key_set", strings.TrimSpace(newCfg.AI.APIKey) != ""),
	)
	mark("pipeline", oldCfg.Pipeline != newCfg.Pipeline,
		logx.Int("pipeline.max_document_mb", newCfg.Pipeline.MaxDocumentMB),
	)
	mark("dispatch", oldCfg.Dispatch != newCfg.Dispatch,
		logx.String("dispatch.grace_period", newCfg.Dispatch.GracePeriod),
	)
	mark("connection", oldCfg.Connection != newCfg.Connection,
		logx.String("connection.keepalive_interval", newCfg.Connection.KeepaliveInterval),
	)
	mark("status", !reflect.DeepEqual(oldCfg.Status, newCfg.Status),
		logx.String("status.schedule", newCfg.Status.Schedule),
	)
	mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier))
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	mark("debug", oldCfg.Debug != newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.String("debug.addr", newCfg.Debug.Addr),
		logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
	)
	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	return ch
}
