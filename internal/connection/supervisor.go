// Package connection owns the single long-lived link to the event source.
//
// Supervisor.Run takes the instance lock (RunLocked is handed one), loads or
// interactively creates the session credential, dials, subscribes and then
// keeps the link alive:
// a dropped link or failed keepalive leads to a reconnect under
// retry.Reconnect, forever, until the context ends. Every redial after a
// link loss waits first: exactly the transport's rate-limit hint when there
// is one, otherwise a backoff that grows with consecutive short-lived
// links. Only a held lock and a rejected credential make Run fail.
//
// Everything else reaches the link through Send and Download.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"intelrelay/internal/eventbus"
	"intelrelay/internal/instancelock"
	"intelrelay/internal/retry"
	"intelrelay/internal/session"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

type Config struct {
	// Identity names the session; the lock file is <LockDir>/<Identity>.lock.
	Identity string
	LockDir  string
	// StaleAfter defaults to instancelock.DefaultStaleAfter; < 0 disables
	// age-based reclaim.
	StaleAfter time.Duration

	Sources []transport.SourceID

	KeepaliveInterval time.Duration
	PingTimeout       time.Duration
	// MaxPingFailures consecutive failed pings count as a lost link.
	MaxPingFailures int

	Reconnect retry.Policy
	Call      retry.Policy
	// StableAfter is how long a link must stay up for the reconnect backoff
	// to start over.
	StableAfter time.Duration

	// SendRate limits outbound API calls per second (<= 0: unlimited).
	SendRate  float64
	SendBurst int

	// ShutdownTimeout bounds unsubscribe + close on the way out.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter == 0 {
		c.StaleAfter = instancelock.DefaultStaleAfter
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 15 * time.Second
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = 2
	}
	if c.Reconnect == (retry.Policy{}) {
		c.Reconnect = retry.Reconnect
	}
	if c.Call == (retry.Policy{}) {
		c.Call = retry.Default
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// CredentialStore loads the persisted session credential.
// session.ErrNoCredential means first run.
type CredentialStore interface {
	Load() (transport.Credential, error)
}

// LoginFunc runs the interactive credential flow and returns the stored
// credential.
type LoginFunc func(ctx context.Context) (transport.Credential, error)

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithEventBus(bus eventbus.Bus) Option { return func(s *Supervisor) { s.bus = bus } }

// WithLogin enables the interactive flow when no credential is stored.
func WithLogin(fn LoginFunc) Option { return func(s *Supervisor) { s.login = fn } }

// WithDrain installs the hook run during shutdown after event delivery
// stops and before the link is closed (the dispatcher's grace period).
func WithDrain(fn func(ctx context.Context)) Option { return func(s *Supervisor) { s.drain = fn } }

// WithSleep replaces backoff sleeps. Intended for tests.
func WithSleep(fn retry.SleepFunc) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// Supervisor is the ConnectionSupervisor. Create with New, start with Run.
type Supervisor struct {
	cfg     Config
	dialer  transport.Dialer
	creds   CredentialStore
	deliver func(transport.InboundEvent)

	log   logx.Logger
	bus   eventbus.Bus
	login LoginFunc
	drain func(ctx context.Context)
	sleep retry.SleepFunc

	accepting atomic.Bool
	limiter   *rate.Limiter
	sendMu    sync.Mutex

	mu          sync.RWMutex
	state       State
	conn        transport.Conn
	identity    transport.Identity
	since       time.Time
	connects    int
	disconnects int
}

// New builds a supervisor. deliver is the dispatcher entry point; it must
// schedule and return.
func New(cfg Config, dialer transport.Dialer, creds CredentialStore, deliver func(transport.InboundEvent), opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		creds:   creds,
		deliver: deliver,
		sleep:   retry.Sleep,
		state:   Disconnected,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "connection"))

	lim := rate.Inf
	if cfg.SendRate > 0 {
		lim = rate.Limit(cfg.SendRate)
	}
	s.limiter = rate.NewLimiter(lim, cfg.SendBurst)
	return s
}

// Run blocks until ctx ends (nil) or a fatal condition occurs: the instance
// lock is held elsewhere (instancelock.ErrLockHeld) or the credential is
// rejected (*AuthError).
func (s *Supervisor) Run(ctx context.Context) error {
	lock, err := s.AcquireLock()
	if err != nil {
		return err
	}
	return s.RunLocked(ctx, lock)
}

// AcquireLock takes the instance lock for the configured identity. Callers
// that must not touch session state before owning it take the lock first
// and hand it to RunLocked.
func (s *Supervisor) AcquireLock() (*instancelock.Lock, error) {
	lock, err := instancelock.Acquire(s.cfg.Identity,
		instancelock.WithDir(s.cfg.LockDir),
		instancelock.WithStaleAfter(s.cfg.StaleAfter),
		instancelock.WithLogger(s.log),
	)
	if err != nil {
		s.setState(ShuttingDown, "lock")
		return nil, err
	}
	s.log.Info("instance lock acquired", logx.String("path", lock.Path()))
	return lock, nil
}

// RunLocked is Run with a lock already held. The lock is released when it
// returns.
func (s *Supervisor) RunLocked(ctx context.Context, lock *instancelock.Lock) error {
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.Error("instance lock release failed", logx.Err(err))
			return
		}
		s.log.Info("instance lock released", logx.String("path", lock.Path()))
	}()
	if s.dialer == nil || s.deliver == nil {
		return errors.New("connection: dialer and deliver are required")
	}
	s.setState(Connecting, "startup")

	// Shutdown runs on every exit path past this point, panics included.
	defer s.shutdown()

	cred, err := s.credential(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.accepting.Store(true)
	first := true
	drops := 0 // consecutive short-lived links
	for {
		conn, err := s.connect(ctx, cred, first)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		first = false

		up := time.Now()
		reason := s.watch(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		s.disconnects++
		s.conn = nil
		s.mu.Unlock()
		s.log.Warn("connection lost; reconnecting", logx.Err(reason))
		s.setState(Disconnected, errString(reason))

		cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if err := conn.Close(cctx); err != nil {
			s.log.Debug("closing dead connection", logx.Err(err))
		}
		cancel()
		s.setState(Reconnecting, errString(reason))

		if time.Since(up) >= s.cfg.StableAfter {
			drops = 0
		}
		drops++
		wait, hinted := retry.RetryAfter(reason)
		if !hinted {
			wait = s.cfg.Reconnect.Backoff(drops)
		}
		s.log.Info("waiting before reconnect", logx.Duration("wait", wait), logx.Int("drops", drops), logx.Bool("rate_limited", hinted))
		if err := s.sleep(ctx, wait); err != nil || ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Supervisor) credential(ctx context.Context) (transport.Credential, error) {
	if s.creds != nil {
		cred, err := s.creds.Load()
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, session.ErrNoCredential) {
			return transport.Credential{}, &AuthError{Err: err}
		}
	}
	if s.login == nil {
		return transport.Credential{}, &AuthError{Err: session.ErrNoCredential}
	}
	s.log.Info("no stored session; starting interactive login")
	cred, err := s.login(ctx)
	if err != nil {
		return transport.Credential{}, &AuthError{Err: err}
	}
	return cred, nil
}

// connect dials and subscribes under the reconnect policy.
func (s *Supervisor) connect(ctx context.Context, cred transport.Credential, first bool) (transport.Conn, error) {
	op := "reconnect"
	if first {
		op = "connect"
	}
	var authFailed atomic.Bool

	conn, err := retry.Do(ctx, s.cfg.Reconnect, op, func(ctx context.Context) (transport.Conn, error) {
		c, err := s.dialer.Dial(ctx, cred)
		if err != nil {
			if retry.IsPermanent(err) {
				authFailed.Store(true)
			}
			return nil, err
		}
		id := c.Identity()
		s.mu.Lock()
		s.identity = id
		s.mu.Unlock()
		s.setState(Authenticated, id.String())

		if err := c.Subscribe(ctx, s.cfg.Sources, s.onEvent); err != nil {
			cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			_ = c.Close(cctx)
			cancel()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		return c, nil
	},
		retry.WithLogger(s.log),
		retry.WithSleep(s.sleep),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			if s.State() != Reconnecting {
				s.setState(Reconnecting, errString(err))
			}
		}),
	)
	if err != nil {
		if authFailed.Load() {
			return nil, &AuthError{Err: err}
		}
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.since = time.Now()
	s.connects++
	s.mu.Unlock()
	s.setState(Subscribed, fmt.Sprintf("%d sources", len(s.cfg.Sources)))
	s.log.Info("subscribed",
		logx.String("as", conn.Identity().String()),
		logx.Int("sources", len(s.cfg.Sources)),
		logx.Bool("reconnect", !first),
	)
	return conn, nil
}

// watch blocks until the link drops, keepalive fails, or ctx ends.
func (s *Supervisor) watch(ctx context.Context, conn transport.Conn) error {
	t := time.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return errors.New("link closed by transport")
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if wait, ok := retry.RetryAfter(err); ok {
				s.log.Warn("keepalive rate limited; waiting as instructed", logx.Duration("wait", wait))
				if err := s.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			failures++
			s.log.Warn("keepalive failed", logx.Int("failures", failures), logx.Int("max", s.cfg.MaxPingFailures), logx.Err(err))
			if failures >= s.cfg.MaxPingFailures {
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

func (s *Supervisor) onEvent(ev transport.InboundEvent) {
	if !s.accepting.Load() {
		s.log.Debug("event dropped during shutdown", logx.String("source", string(ev.Source)), logx.Int("message_id", ev.MessageID))
		return
	}
	s.deliver(ev)
}

// shutdown stops delivery, drains, unsubscribes and closes. The lock is
// released by Run's outer defer.
func (s *Supervisor) shutdown() {
	s.setState(ShuttingDown, "stop requested")
	s.accepting.Store(false)

	if s.drain != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("drain panicked", logx.Any("panic", r))
				}
			}()
			s.drain(context.Background())
		}()
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := conn.Unsubscribe(ctx); err != nil {
		s.log.Warn("unsubscribe failed", logx.Err(err))
	}
	if err := conn.Close(ctx); err != nil {
		s.log.Warn("close failed", logx.Err(err))
	}
	s.log.Info("connection closed")
}

// Send delivers out through the current link. Calls are rate limited,
// serialized and retried with the per-call policy; between connections
// they wait for the reconnect (ErrNotConnected is retriable).
func (s *Supervisor) Send(ctx context.Context, to transport.Destination, out transport.Outbound) (transport.MessageRef, error) {
	return retry.Do(ctx, s.cfg.Call, "send", func(ctx context.Context) (transport.MessageRef, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return transport.MessageRef{}, err
		}
		c := s.current()
		if c == nil {
			return transport.MessageRef{}, ErrNotConnected
		}
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		return c.Send(ctx, to, out)
	}, retry.WithLogger(s.log), retry.WithSleep(s.sleep))
}

// Download fetches a document through the current link. Downloads share the
// rate limit with Send but do not hold the writer lock.
func (s *Supervisor) Download(ctx context.Context, doc transport.Document, maxBytes int64) ([]byte, error) {
	return retry.Do(ctx, s.cfg.Call, "download", func(ctx context.Context) ([]byte, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		c := s.current()
		if c == nil {
			return nil, ErrNotConnected
		}
		return c.Download(ctx, doc, maxBytes)
	}, retry.WithLogger(s.log), retry.WithSleep(s.sleep))
}

func (s *Supervisor) current() transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info is a read-only view for status reporting.
type Info struct {
	State          State
	Identity       transport.Identity
	ConnectedSince time.Time
	Connects       int
	Disconnects    int
}

func (s *Supervisor) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		State:          s.state,
		Identity:       s.identity,
		ConnectedSince: s.since,
		Connects:       s.connects,
		Disconnects:    s.disconnects,
	}
}

func (s *Supervisor) setState(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Debug("state", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))
	eventbus.Emit(s.bus, eventbus.ConnectionState, StateChange{From: from, To: to, Reason: reason, At: time.Now()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
