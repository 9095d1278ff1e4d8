// Package supervisor runs named goroutines under a shared context with panic
// recovery, per-name task stats and optional restart loops.
//
// The relay uses one supervisor per owner: the dispatcher keeps its in-flight
// processing units in one, the notifier its workers, the app its background
// loops (config watch, status schedule, history recorder, watchdog).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "intelrelay/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{} // closed once wg drains
	tasks    *taskTable

	errMu    sync.Mutex
	firstErr error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first error from any goroutine cancel the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, tasks: newTaskTable(), done: make(chan struct{})}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error any goroutine reported.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) record(err error, cancel bool) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if cancel && s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot reports every task name seen so far.
func (s *Supervisor) Snapshot() Snapshot {
	snap := s.tasks.snapshot()
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.tasks.panicked(name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// spawn tracks body in the wait group.
func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// Go runs fn once. A returned error other than cancellation, or a panic,
// becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		run := s.tasks.start(name, false)
		err := s.call(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			s.tasks.stop(run, nil)
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.tasks.stop(run, err)
		s.record(err, true)
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, and then
// reports the supervisor error. Goroutines may not be started after Wait.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// One watcher serves every Wait, including callers that time out.
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
