// Package ai defines the model-facing side of the pipeline: a Transformer
// turns a prompt plus optional document into text. Providers live in
// subpackages and share the error taxonomy here.
package ai

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"intelrelay/internal/retry"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("ai: empty response")

// Document is an inline attachment (PDF) sent with the prompt.
type Document struct {
	FileName string
	MIMEType string
	Data     []byte
}

type Request struct {
	System   string
	Prompt   string
	Document *Document
}

// Transformer is implemented by every provider.
type Transformer interface {
	Transform(ctx context.Context, req Request) (string, error)
	// Name is "<provider>/<model>", used in logs.
	Name() string
}

// Config selects and tunes a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
	Timeout   time.Duration
}

// ClassifyStatus maps an HTTP failure onto the retry taxonomy.
// 429 honors Retry-After when present; auth and request errors are permanent; 5xx and
// everything without a status are transient.
func ClassifyStatus(err error, status int, h http.Header) error {
	switch {
	case err == nil:
		return nil
	case status == http.StatusTooManyRequests:
		if wait := retryAfter(h); wait > 0 {
			return retry.RateLimited(err, wait)
		}
		return err
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return retry.Permanent(err)
	default:
		return err
	}
}

// retryAfter reads Retry-After (seconds or HTTP date). 0 means unknown.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
		return time.Duration(n * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
