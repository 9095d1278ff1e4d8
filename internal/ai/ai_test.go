package ai

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"intelrelay/internal/retry"
)

func TestClassifyStatus(t *testing.T) {
	base := errors.New("upstream said no")

	h := http.Header{}
	h.Set("Retry-After", "12")
	wait, ok := retry.RetryAfter(ClassifyStatus(base, http.StatusTooManyRequests, h))
	assert.True(t, ok)
	assert.Equal(t, 12*time.Second, wait)

	_, ok = retry.RetryAfter(ClassifyStatus(base, http.StatusTooManyRequests, nil))
	assert.False(t, ok, "429 without a hint falls back to backoff")

	for _, code := range []int{400, 401, 403, 404, 413} {
		assert.True(t, retry.IsPermanent(ClassifyStatus(base, code, nil)), "status %d", code)
	}
	for _, code := range []int{0, 500, 502, 529} {
		err := ClassifyStatus(base, code, nil)
		assert.False(t, retry.IsPermanent(err), "status %d", code)
		assert.ErrorIs(t, err, base)
	}
	assert.NoError(t, ClassifyStatus(nil, 500, nil))
}

func TestRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	d := retryAfter(h)
	assert.Greater(t, d, 60*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)

	h.Set("Retry-After", "soon")
	assert.Zero(t, retryAfter(h))
}
