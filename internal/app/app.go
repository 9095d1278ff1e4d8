// Package app wires the relay together: config, logging, storage, the
// connection supervisor, the dispatcher and its pipeline, and the status
// reporter.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"intelrelay/internal/config"
	"intelrelay/internal/connection"
	"intelrelay/internal/dispatch"
	"intelrelay/internal/eventbus"
	"intelrelay/internal/history"
	"intelrelay/internal/notifier"
	"intelrelay/internal/observability/debughttp"
	"intelrelay/internal/pipeline"
	rtsup "intelrelay/internal/runtime/supervisor"
	"intelrelay/internal/session"
	"intelrelay/internal/status"
	"intelrelay/internal/storage"
	"intelrelay/internal/transport"
	"intelrelay/internal/transport/telegram"
	logx "intelrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Mem

	creds *session.Store
	conn  *connection.Supervisor
	proc  *pipeline.Pipeline

	// Settled in New, used by open once the lock is held.
	storeCfg  storage.Config
	notifCfg  notifier.Config
	dispCfg   dispatch.Config
	statusCfg status.Config

	store  storage.Store
	disp   *dispatch.Dispatcher
	notif  *notifier.Service
	status *status.Reporter
	hist   *history.Recorder
	debug  *debughttp.Service
	bg     *rtsup.Supervisor

	notify sdNotifier
}

// Option customizes New. Intended for tests and the CLI.
type Option func(*options)

type options struct {
	dialer   transport.Dialer
	prompter session.Prompter
	notify   sdNotifier
}

// WithDialer replaces the Telegram dialer.
func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithPrompter replaces the terminal prompt used by interactive login.
func WithPrompter(p session.Prompter) Option { return func(o *options) { o.prompter = p } }

// New loads and validates the config and builds the components that hold no
// session state. Storage, the seeded credential and everything that writes
// through them wait for Run to take the instance lock.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogSettings())
	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log.With(logx.String("comp", "app")), notify: o.notify}
	if a.notify == nil {
		a.notify = systemdNotifier{}
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.bus = eventbus.New()

	if a.storeCfg, err = cfg.StorageSettings(); err != nil {
		return nil, err
	}
	if a.notifCfg, err = cfg.NotifierSettings(); err != nil {
		return nil, err
	}
	if a.dispCfg, err = cfg.DispatchSettings(); err != nil {
		return nil, err
	}
	a.statusCfg = cfg.StatusSettings()
	if err := status.Validate(a.statusCfg); err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = telegram.NewDialer(cfg.TelegramSettings(), log)
	}
	a.creds = session.NewStore(cfg.CredentialPath())

	ccfg, err := cfg.ConnectionSettings()
	if err != nil {
		return nil, err
	}
	login := &session.LoginFlow{
		Store:    a.creds,
		Verify:   dialVerifier(dialer),
		Prompter: o.prompter,
		Out:      logx.Stderr(),
		Log:      log.With(logx.String("comp", "session")),
	}
	a.conn = connection.New(ccfg, dialer, a.creds, a.deliver,
		connection.WithLogger(log),
		connection.WithEventBus(a.bus),
		connection.WithLogin(func(ctx context.Context) (transport.Credential, error) {
			cred, _, err := login.Run(ctx)
			return cred, err
		}),
		connection.WithDrain(a.drain),
	)

	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	router, err := pipeline.NewRouter(cfg.Routes(), cfg.Output.Default.String())
	if err != nil {
		return nil, err
	}
	pcfg, err := cfg.PipelineSettings()
	if err != nil {
		return nil, err
	}
	a.proc = pipeline.New(pcfg, router, model, a.conn, pipeline.WithLogger(log))

	a.log.Info("relay configured",
		logx.Int("sources", len(a.dispCfg.Sources)),
		logx.String("model", model.Name()),
		logx.Int("routes", len(router.Destinations())),
		logx.String("session", cfg.Session.Name),
	)
	return a, nil
}

// open runs with the instance lock held: it opens storage, seeds the
// credential and builds the components that write through them.
func (a *App) open() (err error) {
	log := a.logs.Logger()
	if a.store, err = storage.Open(a.storeCfg, log); err != nil {
		return err
	}
	defer func() {
		if err != nil && a.store != nil {
			_ = a.store.Close()
		}
	}()
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", a.storeCfg.Driver), logx.String("path", a.storeCfg.Path))
	}
	if err := seedCredential(a.creds, a.cfg.Telegram.Token); err != nil {
		return err
	}

	a.hist = history.NewRecorder(a.bus, a.store, log)
	a.notif = notifier.New(a.notifCfg, a.conn, log.With(logx.String("comp", "notifier")), a.bus, a.store)
	if a.status, err = status.New(a.statusCfg, a.notif, a.Metrics,
		status.WithLogger(log),
		status.WithConnectionInfo(a.conn.Info),
	); err != nil {
		return err
	}
	a.disp = dispatch.New(a.dispCfg, a.proc,
		dispatch.WithLogger(log),
		dispatch.WithEventBus(a.bus),
		dispatch.WithOnResult(a.status.OnResult),
	)
	a.debug = debughttp.New(a.cfg.DebugSettings(), debughttp.Probes{
		Connection: a.conn.Info,
		Metrics:    a.disp.Metrics,
		Tasks:      a.taskStats,
	}, log)
	return nil
}

func (a *App) deliver(ev transport.InboundEvent) { a.disp.OnEvent(ev) }

// drain runs inside the connection supervisor's shutdown while the link is
// still open: finish in-flight units, then flush queued notifications.
func (a *App) drain(ctx context.Context) {
	if err := a.disp.Shutdown(ctx); err != nil {
		a.log.Error("dispatcher drain incomplete", logx.Err(err))
	}
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.notif.Stop(nctx)
}

// taskStats reports the background loops; empty before Run.
func (a *App) taskStats() rtsup.Snapshot {
	if a.bg == nil {
		return rtsup.Snapshot{}
	}
	return a.bg.Snapshot()
}

// Metrics exposes the dispatcher counters; zero before Run.
func (a *App) Metrics() dispatch.Snapshot {
	if a.disp == nil {
		return dispatch.Snapshot{}
	}
	return a.disp.Metrics()
}

// Run blocks until ctx ends. It returns non-nil only when the session lock
// is held by another process, local state cannot be opened, or the
// credential is rejected. Nothing on disk is touched before the lock is
// held.
func (a *App) Run(ctx context.Context) error {
	start := time.Now()
	lock, err := a.conn.AcquireLock()
	if err != nil {
		a.reportFatal(err)
		a.closeLogs()
		return err
	}
	if err := a.open(); err != nil {
		a.log.Error("startup failed", logx.Err(err))
		if rerr := lock.Release(); rerr != nil {
			a.log.Error("instance lock release failed", logx.Err(rerr))
		}
		a.closeLogs()
		return err
	}

	// Background loops outlive ctx until the dispatcher has drained, so
	// alerts raised during shutdown are still delivered.
	bg := rtsup.New(context.Background(), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.bg = bg

	a.notif.Start(bg.Context())
	if a.logs != nil {
		a.logs.SetSender(chatSender{a.conn})
	}

	bg.Go("history", a.hist.Run)
	bg.Go("config.watch", a.cfgm.Watch)
	bg.Go0("config.reload", a.reloadLoop)
	states, unsub := a.bus.Subscribe(16, eventbus.ConnectionState)
	bg.Go0("connection.events", func(c context.Context) {
		defer unsub()
		a.watchConnection(c, states)
	})
	bg.Go("status", a.status.Run)
	bg.Go("debug.http", a.debug.Run)
	bg.Go0("systemd.watchdog", a.watchdogLoop)

	err = a.conn.RunLocked(ctx, lock)
	if err != nil {
		a.reportFatal(err)
	}
	a.stop(bg, start)
	return err
}

// watchConnection reports readiness once the first subscription is live.
func (a *App) watchConnection(ctx context.Context, events <-chan eventbus.Event) {
	announced := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sc, ok := ev.Data.(connection.StateChange)
			if !ok {
				continue
			}
			a.log.Debug("connection state", logx.String("from", sc.From.String()), logx.String("to", sc.To.String()), logx.String("reason", sc.Reason))
			switch sc.To {
			case connection.Subscribed:
				a.notify.Status(fmt.Sprintf("monitoring %d sources", len(a.cfg.Sources)))
				if !announced {
					announced = true
					a.notify.Ready()
					a.status.Startup(ctx, len(a.cfg.Sources), a.conn.Info().Identity)
				}
			case connection.Reconnecting:
				a.notify.Status("reconnecting: " + sc.Reason)
			}
		}
	}
}

func (a *App) reportFatal(err error) {
	var auth *connection.AuthError
	switch {
	case errors.As(err, &auth):
		a.log.Error("authentication failed; run `intelrelay login` to store a new session", logx.Err(err))
	default:
		a.log.Error("relay stopped", logx.Err(err))
	}
}

// stop unwinds the background loops after the connection supervisor has
// drained the dispatcher and released the lock.
func (a *App) stop(bg *rtsup.Supervisor, start time.Time) {
	a.notify.Stopping()
	bg.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		t := time.Now()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(t); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("background", 3*time.Second, bg.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.logFinalStats(time.Since(start))
	a.closeLogs()
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) logFinalStats(ran time.Duration) {
	snap := a.Metrics()
	info := a.conn.Info()
	fields := []logx.Field{
		logx.String("uptime", status.Uptime(ran)),
		logx.Int("received", snap.Received),
		logx.Int("filtered", snap.Filtered),
		logx.Int("succeeded", snap.Succeeded),
		logx.Int("skipped", snap.Skipped),
		logx.Int("failed", snap.Failed),
		logx.Int("connects", info.Connects),
		logx.Int("disconnects", info.Disconnects),
	}
	if done := snap.Succeeded + snap.Skipped + snap.Failed; done > 0 {
		fields = append(fields, logx.String("success_rate", humanize.FtoaWithDigits(snap.SuccessRate(), 1)+"%"))
	}
	a.log.Info("final statistics", fields...)
	for _, sc := range snap.PerSource {
		if sc.Received == sc.Filtered {
			continue
		}
		a.log.Info("source statistics",
			logx.String("source", string(sc.Source)),
			logx.Int("succeeded", sc.Succeeded),
			logx.Int("skipped", sc.Skipped),
			logx.Int("failed", sc.Failed),
		)
	}
}

// seedCredential stores a token from the config or environment when no
// session exists yet. The connection supervisor verifies it on dial.
func seedCredential(store *session.Store, token string) error {
	token = strings.TrimSpace(token)
	if token == "" || store.Exists() {
		return nil
	}
	if err := store.Save(transport.Credential{Token: token}); err != nil {
		return fmt.Errorf("seed session from telegram.token: %w", err)
	}
	return nil
}

// chatSender routes log lines from the chat sink through the supervised
// link.
type chatSender struct {
	conn interface {
		Send(context.Context, transport.Destination, transport.Outbound) (transport.MessageRef, error)
	}
}

func (c chatSender) SendLog(ctx context.Context, to, text string) error {
	_, err := c.conn.Send(ctx, transport.Destination(to), transport.Outbound{Text: text, DisablePreview: true})
	return err
}

// dialVerifier checks a credential with a short-lived connection.
func dialVerifier(d transport.Dialer) session.Verifier {
	return func(ctx context.Context, cred transport.Credential) (transport.Identity, error) {
		c, err := d.Dial(ctx, cred)
		if err != nil {
			return transport.Identity{}, err
		}
		id := c.Identity()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(cctx)
		return id, nil
	}
}
