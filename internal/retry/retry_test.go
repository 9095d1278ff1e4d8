package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func (r *recordingSleeper) total() time.Duration {
	var sum time.Duration
	for _, w := range r.waits {
		sum += w
	}
	return sum
}

var errFlaky = errors.New("connection reset")

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	rs := &recordingSleeper{}
	p := Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}

	calls := 0
	got, err := Do(context.Background(), p, "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "third", nil
	}, WithSleep(rs.sleep))

	require.NoError(t, err)
	assert.Equal(t, "third", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rs.waits)
	assert.Equal(t, 3*time.Second, rs.total())
}

func TestDoExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	rs := &recordingSleeper{}
	p := Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}

	calls := 0
	err := Run(context.Background(), p, "send", func(ctx context.Context) error {
		calls++
		return errFlaky
	}, WithSleep(rs.sleep))

	require.Error(t, err)
	assert.Equal(t, 3, calls, "must not try more than MaxAttempts")

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "send", ex.Op)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errFlaky)
	assert.Len(t, rs.waits, 2)
}

func TestDoPermanentFailsImmediately(t *testing.T) {
	t.Parallel()
	rs := &recordingSleeper{}
	authErr := errors.New("unauthorized")

	calls := 0
	err := Run(context.Background(), Default, "login", func(ctx context.Context) error {
		calls++
		return Permanent(authErr)
	}, WithSleep(rs.sleep))

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.waits)
}

func TestDoHonorsRateLimitExactly(t *testing.T) {
	t.Parallel()
	rs := &recordingSleeper{}
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2, Jitter: 0.5}

	calls := 0
	err := Run(context.Background(), p, "send", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return RateLimited(errors.New("flood"), 37*time.Second)
		}
		return nil
	}, WithSleep(rs.sleep))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{37 * time.Second}, rs.waits)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Run(ctx, Policy{MaxAttempts: 0, InitialDelay: time.Millisecond, Multiplier: 2}, "reconnect", func(ctx context.Context) error {
		calls++
		if calls == 4 {
			cancel()
		}
		return errFlaky
	}, WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, calls)
}

func TestDoUnlimitedKeepsGoing(t *testing.T) {
	t.Parallel()
	rs := &recordingSleeper{}
	p := Policy{MaxAttempts: 0, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 4 * time.Second}

	calls := 0
	err := Run(context.Background(), p, "reconnect", func(ctx context.Context) error {
		calls++
		if calls < 6 {
			return errFlaky
		}
		return nil
	}, WithSleep(rs.sleep))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, rs.waits)
}

func TestDoInvokesOnRetryHook(t *testing.T) {
	t.Parallel()
	var seen []int
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	},
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithOnRetry(func(attempt int, delay time.Duration, err error) { seen = append(seen, attempt) }),
	)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestPolicyDelayAndWorstCase(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.WorstCase())

	capped := Policy{InitialDelay: time.Minute, Multiplier: 10, MaxDelay: 5 * time.Minute}
	assert.Equal(t, 5*time.Minute, capped.Delay(50))
	assert.Zero(t, capped.WorstCase())
}

func TestRetryAfterExtraction(t *testing.T) {
	t.Parallel()
	_, ok := RetryAfter(errFlaky)
	assert.False(t, ok)

	wrapped := Permanent(RateLimited(errFlaky, 3*time.Second))
	d, ok := RetryAfter(wrapped)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, RateLimited(nil, time.Second))
}

func TestPolicyBackoffStaysWithinJitter(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
	assert.Equal(t, 4*time.Second, Policy{InitialDelay: time.Second, Multiplier: 2}.Backoff(3))
}
