// Package dispatch turns inbound events into independent processing units.
//
// OnEvent never waits for processing: it checks the monitored set, counts,
// and starts a supervised goroutine. A failing or panicking unit is logged
// and counted; it never affects its siblings or the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"intelrelay/internal/eventbus"
	rtsup "intelrelay/internal/runtime/supervisor"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

// ErrSkipped marks a deliberate no-op (nothing processable, model said SKIP).
// Processors wrap it; the unit counts as succeeded with outcome "skipped".
var ErrSkipped = errors.New("skipped")

// Processor is the ProcessingUnit: it transforms one event and forwards the
// result itself.
type Processor interface {
	Process(ctx context.Context, ev transport.InboundEvent) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev transport.InboundEvent) error

func (f ProcessorFunc) Process(ctx context.Context, ev transport.InboundEvent) error {
	return f(ctx, ev)
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes one finished unit.
type Result struct {
	Event    transport.InboundEvent
	Source   transport.SourceID // monitored key the event matched
	Outcome  Outcome
	Err      error
	Panicked bool
	Duration time.Duration
}

type Config struct {
	Sources []transport.SourceID
	// UnitTimeout bounds a single unit (0: none).
	UnitTimeout time.Duration
	// GracePeriod is how long Shutdown lets in-flight units finish before
	// cancelling them; CancelWait is how long it then waits for them to exit.
	GracePeriod time.Duration
	CancelWait  time.Duration
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithEventBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithOnResult registers a hook called from the unit goroutine after the
// result is counted.
func WithOnResult(fn func(Result)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onResult = append(d.onResult, fn)
		}
	}
}

type Dispatcher struct {
	cfg       Config
	proc      Processor
	log       logx.Logger
	bus       eventbus.Bus
	onResult  []func(Result)
	monitored map[transport.SourceID]struct{}

	// units is the in-flight registry: panic capture, Wait and Cancel.
	units *rtsup.Supervisor

	mu      sync.Mutex
	closed  bool
	metrics metrics
}

func New(cfg Config, proc Processor, opts ...Option) *Dispatcher {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = 5 * time.Second
	}
	d := &Dispatcher{
		cfg:       cfg,
		proc:      proc,
		monitored: make(map[transport.SourceID]struct{}, len(cfg.Sources)),
		metrics:   newMetrics(time.Now()),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	for _, s := range cfg.Sources {
		if k := transport.NormalizeSource(string(s)); k != "" {
			d.monitored[k] = struct{}{}
		}
	}
	d.units = rtsup.New(context.Background(),
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	return d
}

// Monitored reports the monitored key ev matches, if any.
func (d *Dispatcher) Monitored(ev transport.InboundEvent) (transport.SourceID, bool) {
	for _, k := range ev.Keys() {
		if _, ok := d.monitored[transport.NormalizeSource(string(k))]; ok {
			return transport.NormalizeSource(string(k)), true
		}
	}
	return "", false
}

// OnEvent is the single entry point for inbound events. It returns as soon
// as the unit is scheduled.
func (d *Dispatcher) OnEvent(ev transport.InboundEvent) {
	key, ok := d.Monitored(ev)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("event ignored after shutdown", logx.String("source", string(ev.Source)), logx.Int("message_id", ev.MessageID))
		return
	}
	if !ok {
		d.metrics.filter(ev.Source)
		d.mu.Unlock()
		eventbus.Emit(d.bus, eventbus.DispatchReceived, ev.ID)
		eventbus.Emit(d.bus, eventbus.DispatchFiltered, ev.Source)
		d.log.Debug("event filtered", logx.String("source", string(ev.Source)), logx.Int("message_id", ev.MessageID))
		return
	}
	d.metrics.receive(key)
	// Spawn under the lock so Shutdown never races a late Add.
	d.units.Go0("dispatch.unit", func(ctx context.Context) { d.run(ctx, key, ev) })
	d.mu.Unlock()

	eventbus.Emit(d.bus, eventbus.DispatchReceived, ev.ID)
}

func (d *Dispatcher) run(ctx context.Context, key transport.SourceID, ev transport.InboundEvent) {
	log := d.log.With(
		logx.String("event_id", ev.ID),
		logx.String("source", string(key)),
		logx.Int("message_id", ev.MessageID),
	)
	start := time.Now()
	res := Result{Event: ev, Source: key}

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Panicked = true
				res.Err = fmt.Errorf("panic: %v", r)
				log.Error("processing unit panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		uctx := ctx
		if d.cfg.UnitTimeout > 0 {
			var cancel context.CancelFunc
			uctx, cancel = context.WithTimeout(ctx, d.cfg.UnitTimeout)
			defer cancel()
		}
		res.Err = d.proc.Process(uctx, ev)
	}()
	res.Duration = time.Since(start)

	switch {
	case res.Err == nil:
		res.Outcome = OutcomeSucceeded
	case errors.Is(res.Err, ErrSkipped):
		res.Outcome = OutcomeSkipped
	case ctx.Err() != nil && errors.Is(res.Err, context.Canceled):
		res.Outcome = OutcomeCancelled
	default:
		res.Outcome = OutcomeFailed
	}

	d.mu.Lock()
	d.metrics.finish(key, res.Outcome)
	d.mu.Unlock()

	switch res.Outcome {
	case OutcomeSucceeded:
		log.Info("event processed", logx.Duration("took", res.Duration))
		eventbus.Emit(d.bus, eventbus.DispatchSucceeded, res)
	case OutcomeSkipped:
		log.Info("event skipped", logx.String("reason", res.Err.Error()), logx.Duration("took", res.Duration))
		eventbus.Emit(d.bus, eventbus.DispatchSucceeded, res)
	case OutcomeCancelled:
		log.Warn("event cancelled during shutdown", logx.Duration("took", res.Duration))
		eventbus.Emit(d.bus, eventbus.DispatchFailed, res)
	default:
		if !res.Panicked {
			log.Error("event processing failed", logx.Err(res.Err), logx.Duration("took", res.Duration))
		}
		eventbus.Emit(d.bus, eventbus.DispatchFailed, res)
	}

	for _, fn := range d.onResult {
		fn(res)
	}
}

// Metrics returns a consistent snapshot.
func (d *Dispatcher) Metrics() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics.snapshot(time.Now())
}

// Shutdown stops accepting events, waits up to GracePeriod for in-flight
// units, cancels the rest and waits up to CancelWait for them to exit.
// It returns an error only if units are still running after that.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	d.closed = true
	inFlight := d.metrics.InFlight
	d.mu.Unlock()

	if inFlight > 0 {
		d.log.Info("draining in-flight units", logx.Int("in_flight", inFlight), logx.Duration("grace", d.cfg.GracePeriod))
	}
	gctx, cancel := context.WithTimeout(ctx, d.cfg.GracePeriod)
	_ = d.units.Wait(gctx)
	drained := gctx.Err() == nil
	cancel()
	if drained {
		d.units.Cancel()
		return nil
	}

	d.log.Warn("grace period over; cancelling in-flight units", logx.Int("in_flight", d.Metrics().InFlight))
	d.units.Cancel()
	wctx, cancel := context.WithTimeout(ctx, d.cfg.CancelWait)
	defer cancel()
	if err := d.units.Wait(wctx); err != nil && wctx.Err() != nil {
		left := d.Metrics().InFlight
		d.log.Error("units did not stop after cancel", logx.Int("in_flight", left))
		return fmt.Errorf("dispatch: %d units still running after shutdown", left)
	}
	return nil
}
