package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intelrelay/internal/retry"
	logx "intelrelay/pkg/logx"
)

// stableRun is how long a run must last for the restart backoff to reset.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoff       retry.Policy
	maxRestarts   int // <= 0: unlimited
	stopOnNil     bool
	fatalOnGiveUp bool
	publishFirst  bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.backoff.InitialDelay = min
		}
		if max > 0 {
			p.backoff.MaxDelay = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithFatalOnFinalError records the last error as the supervisor error (and
// cancels, with WithCancelOnError) once restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalOnGiveUp = enabled }
}

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// WithStopOnCleanExit stops (instead of restarting) when fn returns nil.
// Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnNil = enabled }
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff until the supervisor context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		backoff:   retry.Policy{InitialDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		stopOnNil: true,
	}
	for _, o := range opts {
		o(&p)
	}
	p.backoff.MaxDelay = max(p.backoff.MaxDelay, p.backoff.InitialDelay)

	s.spawn(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	ctx := s.ctx
	restarts, streak := 0, 0
	for {
		run := s.tasks.start(name, restarts > 0)
		err := s.call(name, fn)

		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			s.tasks.stop(run, nil)
			return
		case err == nil && p.stopOnNil:
			s.tasks.stop(run, nil)
			return
		case err == nil:
			err = errors.New("exited")
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.tasks.stop(run, err)
		if p.publishFirst {
			s.record(err, false)
		}

		if restarts++; p.maxRestarts > 0 && restarts > p.maxRestarts {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
			if p.fatalOnGiveUp {
				s.record(err, true)
			}
			return
		}

		if time.Since(run.at) >= stableRun {
			streak = 0
		}
		streak++
		wait := p.backoff.Delay(streak)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}
