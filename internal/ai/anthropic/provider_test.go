package anthropic

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelrelay/internal/ai"
	"intelrelay/internal/retry"
)

func TestBuildParamsWithDocument(t *testing.T) {
	params := buildParams(ai.Request{
		System:   "You are an analyst.",
		Prompt:   "Summarize.",
		Document: &ai.Document{FileName: "r.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")},
	}, "claude-test", 512)

	assert.Equal(t, "claude-test", string(params.Model))
	assert.EqualValues(t, 512, params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You are an analyst.", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Len(t, params.Messages[0].Content, 2, "document block then prompt")
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, defaultBaseURL, normalizeBaseURL(""))
	assert.Equal(t, "https://proxy.local", normalizeBaseURL("https://proxy.local/v1/"))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(ai.Config{})
	require.Error(t, err)
}

func TestTransformRoundTrip(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": body["model"],
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "  <b>Headline</b>\n• point  "}},
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p, err := New(ai.Config{APIKey: "k", BaseURL: srv.URL, Model: "claude-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-test", p.Name())

	out, err := p.Transform(t.Context(), ai.Request{System: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "<b>Headline</b>\n• point", out)
	assert.Equal(t, "claude-test", body["model"])
}

func TestTransformClassifiesErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	p, err := New(ai.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Transform(t.Context(), ai.Request{Prompt: "x"})
	wait, ok := retry.RetryAfter(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 7*time.Second, wait)

	status.Store(http.StatusUnauthorized)
	_, err = p.Transform(t.Context(), ai.Request{Prompt: "x"})
	assert.True(t, retry.IsPermanent(err))
}
