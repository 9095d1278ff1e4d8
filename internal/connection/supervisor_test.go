package connection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelrelay/internal/eventbus"
	"intelrelay/internal/instancelock"
	"intelrelay/internal/retry"
	"intelrelay/internal/session"
	"intelrelay/internal/transport"
)

type fakeConn struct {
	mu           sync.Mutex
	deliver      func(transport.InboundEvent)
	sources      []transport.SourceID
	unsubscribed bool
	closed       bool
	sent         []transport.Outbound
	sendErrs     []error
	pingErr      error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) Identity() transport.Identity {
	return transport.Identity{ID: 7, Username: "relaybot"}
}

func (c *fakeConn) Subscribe(ctx context.Context, sources []transport.SourceID, deliver func(transport.InboundEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append([]transport.SourceID(nil), sources...)
	c.deliver = deliver
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	c.deliver = nil
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Send(ctx context.Context, to transport.Destination, out transport.Outbound) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return transport.MessageRef{}, err
	}
	c.sent = append(c.sent, out)
	return transport.MessageRef{Destination: to, MessageID: len(c.sent)}, nil
}

func (c *fakeConn) Download(ctx context.Context, doc transport.Document, maxBytes int64) ([]byte, error) {
	return []byte("%PDF-1.7"), nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drop(transport.ErrClosed)
	return nil
}

func (c *fakeConn) drop(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) emit(ev transport.InboundEvent) bool {
	c.mu.Lock()
	fn := c.deliver
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

func (c *fakeConn) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliver != nil
}

// fakeDialer hands out results in order; the last one repeats.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, cred transport.Credential) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	d.calls++
	r := d.results[i]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type staticCreds struct {
	cred transport.Credential
	err  error
}

func (s staticCreds) Load() (transport.Credential, error) { return s.cred, s.err }

type eventSink struct {
	mu     sync.Mutex
	events []transport.InboundEvent
}

func (s *eventSink) add(ev transport.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func testConfig(t *testing.T) Config {
	return Config{
		Identity: "relay",
		LockDir:  t.TempDir(),
		Sources:  []transport.SourceID{"-100111", "@markets"},
	}
}

func runAsync(ctx context.Context, s *Supervisor) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return errc
}

func TestReconnectKeepsSubscription(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: c1}, {conn: c2}}}
	sink := &eventSink{}
	bus := eventbus.New()
	states, unsub := bus.Subscribe(64)
	defer unsub()

	cfg := testConfig(t)
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, sink.add,
		WithEventBus(bus), WithSleep((&sleepRecorder{}).sleep))
	errc := runAsync(ctx, sup)

	require.Eventually(t, c1.subscribed, time.Second, 5*time.Millisecond)
	assert.Equal(t, Subscribed, sup.State())
	require.True(t, c1.emit(transport.NewEvent("-100111", 1, "first")))

	c1.drop(errors.New("connection reset by peer"))

	require.Eventually(t, c2.subscribed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sup.State() == Subscribed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg.Sources, c2.sources)
	require.True(t, c2.emit(transport.NewEvent("@markets", 2, "after reconnect")))
	assert.Equal(t, 2, sink.len())

	info := sup.Info()
	assert.Equal(t, 2, info.Connects)
	assert.Equal(t, 1, info.Disconnects)
	assert.Equal(t, "@relaybot", info.Identity.String())

	cancel()
	require.NoError(t, <-errc)
	assert.True(t, c2.unsubscribed)
	assert.True(t, c2.closed)
	assert.True(t, c1.closed)
	assert.NoFileExists(t, filepath.Join(cfg.LockDir, "relay.lock"))

	var seq []State
	for {
		select {
		case ev := <-states:
			if sc, ok := ev.Data.(StateChange); ok {
				seq = append(seq, sc.To)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []State{
		Connecting, Authenticated, Subscribed,
		Disconnected, Reconnecting, Authenticated, Subscribed,
		ShuttingDown,
	}, seq)
}

func TestKeepaliveFailureTriggersReconnect(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := newFakeConn(), newFakeConn()
	c1.pingErr = errors.New("i/o timeout")
	dialer := &fakeDialer{results: []dialResult{{conn: c1}, {conn: c2}}}

	cfg := testConfig(t)
	cfg.KeepaliveInterval = 5 * time.Millisecond
	cfg.MaxPingFailures = 2
	rec := &sleepRecorder{}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {}, WithSleep(rec.sleep))
	errc := runAsync(ctx, sup)

	require.Eventually(t, c2.subscribed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dialer.dials())

	cancel()
	require.NoError(t, <-errc)
}

func TestLinkLossBacksOffAcrossReconnects(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()}
	var results []dialResult
	for _, c := range conns {
		results = append(results, dialResult{conn: c})
	}
	dialer := &fakeDialer{results: results}
	rec := &sleepRecorder{}
	cfg := testConfig(t)
	cfg.Reconnect = retry.Policy{InitialDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 15 * time.Second}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {}, WithSleep(rec.sleep))
	errc := runAsync(ctx, sup)

	// Every link dies right after subscribing, as with a 409 Conflict from a
	// second poller on the same token.
	for _, c := range conns[:3] {
		require.Eventually(t, c.subscribed, time.Second, time.Millisecond)
		c.drop(errors.New("Conflict: terminated by other getUpdates request (409)"))
	}
	require.Eventually(t, conns[3].subscribed, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, rec.all())
	assert.Equal(t, 4, dialer.dials())

	cancel()
	require.NoError(t, <-errc)
}

func TestStableLinkResetsReconnectBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2, c3 := newFakeConn(), newFakeConn(), newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: c1}, {conn: c2}, {conn: c3}}}
	rec := &sleepRecorder{}
	cfg := testConfig(t)
	cfg.Reconnect = retry.Policy{InitialDelay: 5 * time.Second, Multiplier: 2}
	cfg.StableAfter = time.Nanosecond
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {}, WithSleep(rec.sleep))
	errc := runAsync(ctx, sup)

	for _, c := range []*fakeConn{c1, c2} {
		require.Eventually(t, c.subscribed, time.Second, time.Millisecond)
		time.Sleep(time.Millisecond)
		c.drop(errors.New("connection reset by peer"))
	}
	require.Eventually(t, c3.subscribed, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.all())

	cancel()
	require.NoError(t, <-errc)
}

func TestRateLimitedDropWaitsExactly(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: c1}, {conn: c2}}}
	rec := &sleepRecorder{}
	cfg := testConfig(t)
	cfg.Reconnect = retry.Policy{InitialDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.5}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {}, WithSleep(rec.sleep))
	errc := runAsync(ctx, sup)

	require.Eventually(t, c1.subscribed, time.Second, time.Millisecond)
	c1.drop(retry.RateLimited(errors.New("Too Many Requests: retry after 30 (429)"), 30*time.Second))
	require.Eventually(t, c2.subscribed, time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.all())
	assert.Equal(t, 2, dialer.dials())

	cancel()
	require.NoError(t, <-errc)
}

func TestLockHeldIsFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	held, err := instancelock.Acquire(cfg.Identity, instancelock.WithDir(cfg.LockDir))
	require.NoError(t, err)
	defer held.Release()

	dialer := &fakeDialer{results: []dialResult{{conn: newFakeConn()}}}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {})

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, instancelock.ErrLockHeld)
	assert.Zero(t, dialer.dials(), "must not open a session without the lock")
	assert.FileExists(t, held.Path())
}

func TestRunLockedReleasesHandedLock(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: c}}}
	cfg := testConfig(t)
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {})

	lock, err := sup.AcquireLock()
	require.NoError(t, err)
	assert.Zero(t, dialer.dials())
	_, err = New(cfg, dialer, staticCreds{}, func(transport.InboundEvent) {}).AcquireLock()
	require.ErrorIs(t, err, instancelock.ErrLockHeld)

	errc := make(chan error, 1)
	go func() { errc <- sup.RunLocked(ctx, lock) }()
	require.Eventually(t, c.subscribed, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.NoFileExists(t, lock.Path())
}

func TestRejectedCredentialIsFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	dialer := &fakeDialer{results: []dialResult{{err: retry.Permanent(errors.New("Unauthorized (401)"))}}}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "bad"}}, func(transport.InboundEvent) {},
		WithSleep((&sleepRecorder{}).sleep))

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	var ae *AuthError
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, dialer.dials())
	assert.NoFileExists(t, filepath.Join(cfg.LockDir, "relay.lock"))
}

func TestMissingCredentialRunsLogin(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: c}}}
	logins := 0
	sup := New(testConfig(t), dialer, staticCreds{err: session.ErrNoCredential}, func(transport.InboundEvent) {},
		WithLogin(func(ctx context.Context) (transport.Credential, error) {
			logins++
			return transport.Credential{Token: "fresh"}, nil
		}))
	errc := runAsync(ctx, sup)
	require.Eventually(t, c.subscribed, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, 1, logins)
}

func TestMissingCredentialWithoutLoginIsFatal(t *testing.T) {
	t.Parallel()
	sup := New(testConfig(t), &fakeDialer{results: []dialResult{{conn: newFakeConn()}}},
		staticCreds{err: session.ErrNoCredential}, func(transport.InboundEvent) {})
	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, session.ErrNoCredential)
}

func TestConnectHonorsRateLimitThenRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: retry.RateLimited(errors.New("Too Many Requests"), 42*time.Second)},
		{err: errors.New("dial tcp: connection refused")},
		{conn: c},
	}}
	rec := &sleepRecorder{}
	cfg := testConfig(t)
	cfg.Reconnect = retry.Policy{InitialDelay: 5 * time.Second, Multiplier: 2, MaxDelay: time.Minute}
	sup := New(cfg, dialer, staticCreds{cred: transport.Credential{Token: "t"}}, func(transport.InboundEvent) {}, WithSleep(rec.sleep))
	errc := runAsync(ctx, sup)

	require.Eventually(t, c.subscribed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{42 * time.Second, 10 * time.Second}, rec.all())
	cancel()
	require.NoError(t, <-errc)
}

func TestShutdownOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	c := newFakeConn()
	cfg := testConfig(t)
	var order []string
	var mu sync.Mutex
	note := func(s string) { mu.Lock(); order = append(order, s); mu.Unlock() }

	var sup *Supervisor
	sup = New(cfg, &fakeDialer{results: []dialResult{{conn: c}}}, staticCreds{cred: transport.Credential{Token: "t"}},
		func(transport.InboundEvent) { note("event") },
		WithDrain(func(ctx context.Context) {
			note("drain")
			// Delivery is already off while draining.
			assert.False(t, sup.accepting.Load())
			c.mu.Lock()
			assert.False(t, c.unsubscribed)
			c.mu.Unlock()
			assert.FileExists(t, filepath.Join(cfg.LockDir, "relay.lock"))
		}))
	errc := runAsync(ctx, sup)
	require.Eventually(t, c.subscribed, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.False(t, c.emit(transport.NewEvent("-100111", 9, "late")))
	assert.Equal(t, []string{"drain"}, order)
	assert.True(t, c.closed)
	assert.NoFileExists(t, filepath.Join(cfg.LockDir, "relay.lock"))
}

func TestSendRetriesThroughCurrentConn(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newFakeConn()
	c.sendErrs = []error{retry.RateLimited(errors.New("flood"), 3*time.Second)}
	rec := &sleepRecorder{}
	sup := New(testConfig(t), &fakeDialer{results: []dialResult{{conn: c}}}, staticCreds{cred: transport.Credential{Token: "t"}},
		func(transport.InboundEvent) {}, WithSleep(rec.sleep))

	_, err := sup.Send(ctx, "@out", transport.Outbound{Text: "before"})
	require.Error(t, err, "no link yet")
	assert.ErrorIs(t, err, ErrNotConnected)

	errc := runAsync(ctx, sup)
	require.Eventually(t, c.subscribed, time.Second, 5*time.Millisecond)

	ref, err := sup.Send(ctx, "@out", transport.Outbound{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, ref.MessageID)
	assert.Contains(t, rec.all(), 3*time.Second)

	b, err := sup.Download(ctx, transport.Document{FileID: "f"}, 1024)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(b))

	cancel()
	require.NoError(t, <-errc)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "subscribed", Subscribed.String())
	assert.Equal(t, "shutting_down", ShuttingDown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
