// Package history persists every finished processing unit to storage.
package history

import (
	"context"
	"time"

	"intelrelay/internal/dispatch"
	"intelrelay/internal/eventbus"
	"intelrelay/internal/storage"
	logx "intelrelay/pkg/logx"
)

// Recorder subscribes to dispatch outcomes and appends them to a store.
type Recorder struct {
	store  storage.Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes right away so nothing published before Run starts
// is missed.
func NewRecorder(bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, log: log.With(logx.String("comp", "history"))}
	if store != nil && bus != nil {
		r.events, r.unsub = bus.Subscribe(256, eventbus.DispatchSucceeded, eventbus.DispatchFailed)
	}
	return r
}

// Run records until ctx ends. Events still buffered at that point are
// flushed before returning.
func (r *Recorder) Run(ctx context.Context) error {
	if r.events == nil {
		<-ctx.Done()
		return nil
	}
	defer r.unsub()
	events := r.events
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					r.record(ev)
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev eventbus.Event) {
	res, ok := ev.Data.(dispatch.Result)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.AppendHistory(ctx, Entry(res, ev.Time)); err != nil {
		r.log.Warn("history append failed", logx.String("event_id", res.Event.ID), logx.Err(err))
	}
}

// Entry converts a dispatch result into its stored form.
func Entry(res dispatch.Result, at time.Time) storage.HistoryEntry {
	e := storage.HistoryEntry{
		At:        at,
		EventID:   res.Event.ID,
		Source:    string(res.Source),
		MessageID: res.Event.MessageID,
		Outcome:   string(res.Outcome),
		TookMS:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}
