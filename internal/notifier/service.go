package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"intelrelay/internal/eventbus"
	"intelrelay/internal/retry"
	rtsup "intelrelay/internal/runtime/supervisor"
	"intelrelay/internal/storage"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const recentLimit = 100

type lifecycle int

const (
	idle lifecycle = iota
	running
	stopped
)

type job struct {
	n          Notification
	key        string
	suppressed int
}

// Service is the notification pipeline: Notify enqueues, workers send.
// It runs once: Start after Stop is a no-op.
type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	dedup   *dedupCache
	policy  retry.Policy

	mu       sync.Mutex
	state    lifecycle
	queue    chan job
	inflight sync.WaitGroup // Notify calls past the state check
	sup      *rtsup.Supervisor
	done     chan struct{}

	rmu    sync.Mutex
	recent []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	if !cfg.PersistDedup {
		store = nil
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   newDedupCache(cfg.DedupWindow, cfg.DedupMaxEntries, store),
		policy: retry.Policy{
			MaxAttempts:  1 + cfg.RetryMax,
			InitialDelay: cfg.RetryBase,
			Multiplier:   2,
			MaxDelay:     cfg.RetryMaxDelay,
			Jitter:       0.3,
		},
		done: make(chan struct{}),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the workers. Workers outlive ctx only as long as Stop
// needs them to drain.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != idle || !s.cfg.Enabled {
		return
	}
	s.state = running
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort; never take the relay down.
		rtsup.WithCancelOnError(false),
	)

	if s.dedup.writes != nil {
		s.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.dedup.persist(c)
			return nil
		})
	}
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, q)
			return nil
		})
	}
}

// Stop refuses new notifications, lets the workers drain the queue until
// ctx ends, then cancels them. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case idle:
		s.state = stopped
		close(s.done)
		s.mu.Unlock()
		return
	case stopped:
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return
	}
	s.state = stopped
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.inflight.Wait()
		close(q)
		s.dedup.close()
		_ = sup.Wait(context.Background())
		sup.Cancel()
	}()

	select {
	case <-s.done:
	case <-ctx.Done():
		if left := len(q); left > 0 {
			s.log.Warn("notifier stopped with undelivered messages", logx.Int("queued", left))
		}
		sup.Cancel()
	}
}

// Notify enqueues n and never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(n.Text) == "" || n.To == "" {
		return errors.New("notifier: destination and text are required")
	}
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	s.mu.Lock()
	if s.state != running {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	ok, suppressed := s.dedup.admit(ctx, key, time.Now())
	if !ok {
		s.emit(eventbus.NotifierDeduped, n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key, suppressed: suppressed}:
		s.emit(eventbus.NotifierQueued, n, key, nil)
		return nil
	default:
		s.emit(eventbus.NotifierDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Recent returns the last delivered notifications, oldest first.
func (s *Service) Recent() []HistoryItem {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return append([]HistoryItem(nil), s.recent...)
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	if s.sender == nil {
		return
	}
	out := render(j)
	err := retry.Run(ctx, s.policy, "notify."+j.n.Kind, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
		_, err := s.sender.Send(callCtx, j.n.To, out)
		return err
	}, retry.WithLogger(s.log))

	if err == nil {
		s.remember(j.n.Kind, out.Text)
		s.emit(eventbus.NotifierSent, j.n, j.key, nil)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.log.Warn("notification not delivered", logx.String("kind", j.n.Kind), logx.String("to", string(j.n.To)), logx.Err(err))
	s.emit(eventbus.NotifierFailed, j.n, j.key, err)
}

func render(j job) transport.Outbound {
	var b strings.Builder
	switch {
	case j.n.Priority >= PriorityAlert:
		b.WriteString("🚨 ")
	case j.n.Priority >= PriorityWarn:
		b.WriteString("⚠️ ")
	}
	b.WriteString(j.n.Text)
	if j.suppressed > 0 {
		note := fmt.Sprintf("(%d identical suppressed since last delivery)", j.suppressed)
		if strings.EqualFold(j.n.ParseMode, "HTML") {
			note = "<i>" + note + "</i>"
		}
		b.WriteString("\n")
		b.WriteString(note)
	}
	return transport.Outbound{Text: b.String(), ParseMode: j.n.ParseMode, DisablePreview: true}
}

func (s *Service) remember(kind, text string) {
	s.rmu.Lock()
	s.recent = append(s.recent, HistoryItem{At: time.Now(), Kind: kind, Text: text})
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
	s.rmu.Unlock()
}

func (s *Service) emit(typ string, n Notification, key string, err error) {
	ev := NotificationEvent{Kind: n.Kind, To: string(n.To), Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}
