package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"intelrelay/internal/config"
	"intelrelay/internal/instancelock"
	"intelrelay/internal/pipeline"
	"intelrelay/internal/session"
	"intelrelay/internal/storage"
	"intelrelay/internal/transport"
	"intelrelay/internal/transport/telegram"
	logx "intelrelay/pkg/logx"
)

// Check is one `verify` result. Warn checks never fail the command.
type Check struct {
	Name   string
	OK     bool
	Warn   bool
	Detail string
}

func (c Check) String() string {
	mark := "ok"
	switch {
	case !c.OK && c.Warn:
		mark = "warn"
	case !c.OK:
		mark = "FAIL"
	}
	return fmt.Sprintf("[%4s] %-12s %s", mark, c.Name, c.Detail)
}

// ErrVerifyFailed is returned by Verify when a required check fails.
var ErrVerifyFailed = errors.New("verification failed")

// VerifyOptions tune Verify. Intended for tests.
type VerifyOptions struct {
	// SkipProbe leaves the model unpinged.
	SkipProbe    bool
	ProbeTimeout time.Duration
	Now          func() time.Time
}

// Verify checks the config, the stored session and the model endpoint.
// A failed model probe is a warning only.
func Verify(ctx context.Context, cfgPath string, o VerifyOptions) ([]Check, error) {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	var checks []Check
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		checks = append(checks, Check{Name: "config", Detail: err.Error()})
		return checks, ErrVerifyFailed
	}
	checks = append(checks, Check{Name: "config", OK: true,
		Detail: fmt.Sprintf("%d sources, default output %q", len(cfg.Sources), cfg.Output.Default)})

	failed := false
	store := session.NewStore(cfg.CredentialPath())
	switch _, err := store.Load(); {
	case err == nil:
		checks = append(checks, Check{Name: "session", OK: true, Detail: store.Path()})
	case errors.Is(err, session.ErrNoCredential) && cfg.Telegram.Token != "":
		checks = append(checks, Check{Name: "session", OK: true, Detail: "will be created from telegram.token"})
	default:
		failed = true
		checks = append(checks, Check{Name: "session", Detail: fmt.Sprintf("%v (run `intelrelay login`)", err)})
	}

	checks = append(checks, lockCheck(cfg, o.Now()))

	model, err := NewModel(cfg)
	switch {
	case err != nil:
		failed = true
		checks = append(checks, Check{Name: "model", Detail: err.Error()})
	case o.SkipProbe:
		checks = append(checks, Check{Name: "model", OK: true, Detail: model.Name() + " (not probed)"})
	default:
		pctx, cancel := context.WithTimeout(ctx, o.ProbeTimeout)
		start := time.Now()
		err := pipeline.Probe(pctx, model)
		cancel()
		if err != nil {
			checks = append(checks, Check{Name: "model", Warn: true, Detail: fmt.Sprintf("%s unreachable: %v", model.Name(), err)})
		} else {
			checks = append(checks, Check{Name: "model", OK: true, Detail: fmt.Sprintf("%s answered in %s", model.Name(), time.Since(start).Round(time.Millisecond))})
		}
	}

	if sc, err := cfg.StorageSettings(); err == nil && sc.Driver != "" {
		sc.ReadOnly = true
		st, err := storage.Open(sc, logx.Nop())
		if err != nil {
			failed = true
			checks = append(checks, Check{Name: "storage", Detail: err.Error()})
		} else {
			_ = st.Close()
			checks = append(checks, Check{Name: "storage", OK: true, Detail: sc.Driver + " " + sc.Path})
		}
	}

	if failed {
		return checks, ErrVerifyFailed
	}
	return checks, nil
}

// lockCheck reports whether another instance holds the session.
func lockCheck(cfg *config.Config, now time.Time) Check {
	rec, held, err := instancelock.Inspect(cfg.Session.Name, instancelock.WithDir(cfg.Session.Dir))
	switch {
	case err != nil:
		return Check{Name: "lock", Warn: true, Detail: err.Error()}
	case held:
		return Check{Name: "lock", Warn: true, Detail: fmt.Sprintf("held by pid %d since %s", rec.PID, humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))}
	default:
		return Check{Name: "lock", OK: true, Detail: "free"}
	}
}

// Login runs the interactive session flow and stores the result, replacing
// any stored session.
func Login(ctx context.Context, cfgPath string, out io.Writer, opts ...Option) (transport.Identity, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return transport.Identity{}, err
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = telegram.NewDialer(cfg.TelegramSettings(), logx.Nop())
	}
	flow := &session.LoginFlow{
		Store:    session.NewStore(cfg.CredentialPath()),
		Verify:   dialVerifier(dialer),
		Prompter: o.prompter,
		Out:      out,
		Log:      logx.Nop(),
	}
	_, id, err := flow.Run(ctx)
	return id, err
}

// History reads recent processing outcomes from the configured store.
func History(ctx context.Context, cfgPath string, q storage.HistoryQuery) ([]storage.HistoryEntry, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	// The relay may be running against the same files.
	sc.ReadOnly = true
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("storage is disabled; set storage.driver to keep history")
	}
	defer st.Close()
	return st.RecentHistory(ctx, q)
}
