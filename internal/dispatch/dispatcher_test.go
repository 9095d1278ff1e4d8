package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelrelay/internal/eventbus"
	"intelrelay/internal/transport"
)

func event(src string, id int, text string) transport.InboundEvent {
	return transport.NewEvent(transport.SourceID(src), id, text)
}

func waitIdle(t *testing.T, d *Dispatcher) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return d.Metrics().InFlight == 0 }, 2*time.Second, time.Millisecond)
	return d.Metrics()
}

func TestEndToEndCountsFilteredAsReceived(t *testing.T) {
	t.Parallel()
	d := New(Config{Sources: []transport.SourceID{"-100001", "-100002"}},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error { return nil }))

	d.OnEvent(event("-100001", 1, "from A"))
	d.OnEvent(event("-100003", 2, "from C"))

	snap := waitIdle(t, d)
	assert.Equal(t, 2, snap.Received)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Filtered)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, 1, snap.Source("-100001").Succeeded)
	assert.Equal(t, 1, snap.Source("-100003").Filtered)
	assert.Equal(t, 100.0, snap.SuccessRate())
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestOnlyMonitoredSubsetIsProcessed(t *testing.T) {
	t.Parallel()
	monitored := []transport.SourceID{"-1001", "-1002", "@alpha"}
	var processed sync.Map
	d := New(Config{Sources: monitored}, ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
		processed.Store(ev.ID, ev.Source)
		return nil
	}))

	rng := rand.New(rand.NewSource(7))
	pool := []string{"-1001", "-1002", "-1003", "-1004", "-1005"}
	wantProcessed, wantFiltered := 0, 0
	ids := map[string]bool{}
	for i := 0; i < 200; i++ {
		src := pool[rng.Intn(len(pool))]
		ev := event(src, i+1, "post")
		if src == "-1001" || src == "-1002" {
			wantProcessed++
			ids[ev.ID] = true
		} else {
			wantFiltered++
		}
		d.OnEvent(ev)
	}

	snap := waitIdle(t, d)
	assert.Equal(t, 200, snap.Received)
	assert.Equal(t, wantFiltered, snap.Filtered)
	assert.Equal(t, wantProcessed, snap.Succeeded)

	got := 0
	processed.Range(func(k, v any) bool {
		got++
		assert.True(t, ids[k.(string)], "unmonitored event %v was processed", v)
		return true
	})
	assert.Equal(t, wantProcessed, got)
}

func TestUsernameMatchesMonitoredHandle(t *testing.T) {
	t.Parallel()
	d := New(Config{Sources: []transport.SourceID{"@BWEnews"}}, ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error { return nil }))
	ev := event("-1001279597711", 5, "headline")
	ev.SourceUsername = "bwenews"

	key, ok := d.Monitored(ev)
	require.True(t, ok)
	assert.Equal(t, transport.SourceID("@bwenews"), key)

	d.OnEvent(ev)
	snap := waitIdle(t, d)
	assert.Equal(t, 1, snap.Source("@bwenews").Succeeded)
}

func TestFailingUnitDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()
	for _, failFirst := range []bool{true, false} {
		failFirst := failFirst
		t.Run(fmt.Sprintf("fail_first=%v", failFirst), func(t *testing.T) {
			t.Parallel()
			release := make(chan struct{})
			var succeeded atomic.Bool
			proc := ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
				switch ev.Text {
				case "bad":
					<-release
					return errors.New("llm returned garbage")
				case "panic":
					panic("nil map write")
				default:
					succeeded.Store(true)
					return nil
				}
			})
			d := New(Config{Sources: []transport.SourceID{"-1"}}, proc)

			if failFirst {
				d.OnEvent(event("-1", 1, "bad"))
				d.OnEvent(event("-1", 2, "panic"))
				d.OnEvent(event("-1", 3, "good"))
			} else {
				d.OnEvent(event("-1", 3, "good"))
				d.OnEvent(event("-1", 1, "bad"))
				d.OnEvent(event("-1", 2, "panic"))
			}

			// E_good completes while E_bad is still blocked.
			require.Eventually(t, succeeded.Load, time.Second, time.Millisecond)
			close(release)

			snap := waitIdle(t, d)
			assert.Equal(t, 1, snap.Succeeded)
			assert.Equal(t, 2, snap.Failed)
			assert.Equal(t, 3, snap.Received)
		})
	}
}

func TestOnEventDoesNotWait(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	d := New(Config{Sources: []transport.SourceID{"-1"}}, ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
		<-block
		return nil
	}))

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.OnEvent(event("-1", i, "slow"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 50, d.Metrics().InFlight)
}

func TestSkippedCountsAsSuccess(t *testing.T) {
	t.Parallel()
	var results []Result
	var mu sync.Mutex
	d := New(Config{Sources: []transport.SourceID{"-1"}},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
			return fmt.Errorf("%w: no processable content", ErrSkipped)
		}),
		WithOnResult(func(r Result) { mu.Lock(); results = append(results, r); mu.Unlock() }),
	)
	d.OnEvent(event("-1", 1, "sticker"))
	snap := waitIdle(t, d)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, 0, snap.Failed)

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(results) == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
	mu.Unlock()
}

func TestUnitTimeout(t *testing.T) {
	t.Parallel()
	d := New(Config{Sources: []transport.SourceID{"-1"}, UnitTimeout: 20 * time.Millisecond},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	d.OnEvent(event("-1", 1, "hangs"))
	snap := waitIdle(t, d)
	assert.Equal(t, 1, snap.Failed)
}

func TestShutdownWaitsForShortUnits(t *testing.T) {
	t.Parallel()
	d := New(Config{Sources: []transport.SourceID{"-1"}, GracePeriod: time.Second},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
			time.Sleep(30 * time.Millisecond)
			return nil
		}))
	d.OnEvent(event("-1", 1, "quick"))
	require.NoError(t, d.Shutdown(context.Background()))

	snap := d.Metrics()
	assert.Equal(t, 1, snap.Succeeded)
	assert.Zero(t, snap.InFlight)

	d.OnEvent(event("-1", 2, "late"))
	assert.Equal(t, 1, d.Metrics().Received, "events after shutdown are ignored")
}

func TestShutdownCancelsLongUnitsAfterGrace(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(8)
	defer unsub()

	d := New(Config{Sources: []transport.SourceID{"-1"}, GracePeriod: 20 * time.Millisecond, CancelWait: time.Second},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		WithEventBus(bus),
	)
	d.OnEvent(event("-1", 1, "large pdf"))

	start := time.Now()
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	snap := d.Metrics()
	assert.Equal(t, 1, snap.Failed)
	assert.Zero(t, snap.InFlight)

	var outcome Outcome
	for ev := range failed {
		if r, ok := ev.Data.(Result); ok && ev.Type == eventbus.DispatchFailed {
			outcome = r.Outcome
			break
		}
	}
	assert.Equal(t, OutcomeCancelled, outcome)
}

func TestShutdownReportsStuckUnits(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	d := New(Config{Sources: []transport.SourceID{"-1"}, GracePeriod: 10 * time.Millisecond, CancelWait: 10 * time.Millisecond},
		ProcessorFunc(func(ctx context.Context, ev transport.InboundEvent) error {
			<-block // ignores cancellation
			return nil
		}))
	d.OnEvent(event("-1", 1, "stubborn"))
	err := d.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 units still running")
}
