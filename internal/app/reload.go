package app

import (
	"context"
	"strings"

	"intelrelay/internal/config"
	logx "intelrelay/pkg/logx"
)

// reloadLoop applies published config changes. Logging takes effect live;
// every other section is fixed for the run.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			applied = a.applyConfig(applied, next)
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) *config.Config {
	ch := config.SummarizeConfigChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return prev
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range ch.Sections {
		if s == "logging" && a.logs != nil {
			a.logs.Apply(next.LogSettings())
			a.log.Info("logging config applied", logx.String("level", next.Logging.Level))
		}
	}
	if rr := ch.RestartRequired(); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}
	return next
}
