package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	logx "intelrelay/pkg/logx"
)

// Policy describes a bounded exponential backoff.
//
// The wait before attempt n+1 is InitialDelay * Multiplier^(n-1), optionally
// capped by MaxDelay and stretched by up to Jitter (a fraction of the delay).
type Policy struct {
	// MaxAttempts is the total number of tries. <= 0 means unlimited.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	// MaxDelay caps a single computed delay. 0 disables the cap.
	MaxDelay time.Duration
	// Jitter adds a random [0, Jitter*delay) to computed delays. Server
	// provided rate-limit waits are never jittered.
	Jitter float64
}

// Default is the per-call policy used around individual external calls.
var Default = Policy{MaxAttempts: 3, InitialDelay: 2 * time.Second, Multiplier: 2}

// Reconnect is the long-running reconnect policy: unlimited attempts with a
// longer initial delay and a five minute ceiling.
var Reconnect = Policy{MaxAttempts: 0, InitialDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 5 * time.Minute, Jitter: 0.2}

func (p Policy) normalized() Policy {
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the computed wait after the given failed attempt (1-based),
// before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	f := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(f, 0) || f > float64(math.MaxInt64) {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(f)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Backoff is Delay plus a random [0, Jitter*delay) spread, for callers that
// pace their own loops outside Do.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	p = p.normalized()
	if span := int64(float64(d) * p.Jitter); span > 0 {
		d += time.Duration(rand.Int63n(span))
	}
	return d
}

// WorstCase returns the total computed wait of a fully exhausted call,
// ignoring jitter and rate-limit hints. Unlimited policies return 0.
func (p Policy) WorstCase() time.Duration {
	p = p.normalized()
	if p.MaxAttempts <= 0 {
		return 0
	}
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Delay(n)
	}
	return total
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option tweaks a single Do/Run invocation.
type Option func(*options)

type options struct {
	log     logx.Logger
	sleep   SleepFunc
	onRetry func(attempt int, delay time.Duration, err error)
	rng     *rand.Rand
}

// WithLogger logs each retry (attempt number and delay) and final failures.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithSleep replaces the context-aware timer sleep. Intended for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithOnRetry installs a hook called right before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do executes fn under policy p. name identifies the operation in logs and
// in the returned ExhaustedError.
//
// Permanent errors are returned immediately. Rate-limited errors sleep exactly
// the server-provided duration. If the parent context ends, its error is
// returned (wrapping the last operation error for context).
func Do[T any](ctx context.Context, p Policy, name string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	o := options{sleep: Sleep}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	p = p.normalized()

	start := time.Now()
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, stopped(name, err, last)
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				o.log.Info("retry succeeded", logx.String("op", name), logx.Int("attempt", attempt), logx.Duration("elapsed", time.Since(start)))
			}
			return v, nil
		}
		last = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, stopped(name, ctxErr, last)
		}
		if IsPermanent(err) {
			o.log.Warn("non-retryable failure", logx.String("op", name), logx.Int("attempt", attempt), logx.Err(err))
			return zero, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			ex := &ExhaustedError{Op: name, Attempts: attempt, Elapsed: time.Since(start), Last: err}
			o.log.Error("retries exhausted", logx.String("op", name), logx.Int("attempts", attempt), logx.Duration("elapsed", ex.Elapsed), logx.Err(err))
			return zero, ex
		}

		delay, hinted := RetryAfter(err)
		if !hinted {
			delay = p.Delay(attempt)
			delay += o.jitter(p, delay)
		}
		o.log.Warn("retrying",
			logx.String("op", name),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", p.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Bool("rate_limited", hinted),
			logx.Err(err),
		)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, stopped(name, err, last)
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

func (o *options) jitter(p Policy, d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return 0
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	span := int64(float64(d) * p.Jitter)
	if span <= 0 {
		return 0
	}
	return time.Duration(o.rng.Int63n(span))
}

func stopped(name string, ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w (last error: %v)", name, ctxErr, last)
}

// Sleep waits for d or until ctx is done. It is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsContextError reports whether err is a context cancellation or deadline.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
