package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotifier is the service manager side channel. Every call is a no-op
// outside systemd (NOTIFY_SOCKET unset).
type sdNotifier interface {
	Ready()
	Status(msg string)
	Stopping()
	Watchdog()
	// WatchdogInterval is 0 when the unit has no WatchdogSec.
	WatchdogInterval() time.Duration
}

type systemdNotifier struct{}

func (systemdNotifier) Ready()            { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func (systemdNotifier) Status(msg string) { _, _ = daemon.SdNotify(false, "STATUS="+msg) }
func (systemdNotifier) Stopping()         { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }
func (systemdNotifier) Watchdog()         { _, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

func (systemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// watchdogLoop pings the watchdog at half its interval while the
// connection supervisor is not shutting down.
func (a *App) watchdogLoop(ctx context.Context) {
	every := a.notify.WatchdogInterval() / 2
	if every <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled")
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notify.Watchdog()
		}
	}
}
