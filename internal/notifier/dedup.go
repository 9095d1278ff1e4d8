package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"intelrelay/internal/storage"
)

// dedupCache suppresses repeats of the same notification inside a window
// and counts what it suppressed, so the next delivery can say so.
type dedupCache struct {
	window time.Duration
	max    int
	store  storage.Store // nil: memory only

	mu      sync.Mutex
	entries map[string]*dedupEntry

	writes chan dedupWrite
}

type dedupEntry struct {
	until      time.Time
	suppressed int
}

type dedupWrite struct {
	key   string
	until time.Time
}

func newDedupCache(window time.Duration, max int, store storage.Store) *dedupCache {
	d := &dedupCache{window: window, max: max, store: store, entries: map[string]*dedupEntry{}}
	if store != nil {
		d.writes = make(chan dedupWrite, 1024)
	}
	return d
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|", n.Kind, n.To, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// admit reports whether key may be delivered now. On success it also returns
// how many repeats were suppressed during the previous window.
func (d *dedupCache) admit(ctx context.Context, key string, now time.Time) (ok bool, suppressed int) {
	if d == nil || d.window <= 0 {
		return true, 0
	}

	d.mu.Lock()
	e := d.entries[key]
	if e != nil && now.Before(e.until) {
		e.suppressed++
		d.mu.Unlock()
		return false, 0
	}
	d.mu.Unlock()

	if e == nil && d.store != nil {
		// Short budget: a slow store must not stall the caller.
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, found, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && found && now.Before(until) {
			d.mu.Lock()
			d.entries[key] = &dedupEntry{until: until, suppressed: 1}
			d.mu.Unlock()
			return false, 0
		}
	}

	until := now.Add(d.window)
	d.mu.Lock()
	if e != nil {
		suppressed = e.suppressed
	}
	d.entries[key] = &dedupEntry{until: until}
	d.pruneLocked(now)
	d.mu.Unlock()

	if d.writes != nil {
		select {
		case d.writes <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true, suppressed
}

// pruneLocked drops expired entries unless they still carry a suppressed
// count to report, then caps the size by dropping the earliest expiries.
func (d *dedupCache) pruneLocked(now time.Time) {
	for k, e := range d.entries {
		if now.After(e.until) && e.suppressed == 0 {
			delete(d.entries, k)
		}
	}
	for d.max > 0 && len(d.entries) > d.max {
		var oldest string
		var at time.Time
		for k, e := range d.entries {
			if oldest == "" || e.until.Before(at) {
				oldest, at = k, e.until
			}
		}
		delete(d.entries, oldest)
	}
}

// persist drains writes into the store until ctx ends or the cache closes.
func (d *dedupCache) persist(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-d.writes:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = d.store.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (d *dedupCache) close() {
	if d != nil && d.writes != nil {
		close(d.writes)
	}
}
