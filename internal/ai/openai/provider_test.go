package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelrelay/internal/ai"
	"intelrelay/internal/retry"
)

func completion(text string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-test",
		"choices": []map[string]any{{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": text},
		}},
	}
}

func TestTransformSendsSystemAndDocument(t *testing.T) {
	var body struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("Coverage note"))
	}))
	defer srv.Close()

	p, err := New(ai.Config{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-test", p.Name())

	out, err := p.Transform(t.Context(), ai.Request{
		System:   "sys",
		Prompt:   "analyze",
		Document: &ai.Document{FileName: "r.pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Coverage note", out)

	assert.Equal(t, "gpt-test", body.Model)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0]["role"])
	raw, _ := json.Marshal(body.Messages[1]["content"])
	assert.True(t, strings.Contains(string(raw), "data:application/pdf;base64,"), string(raw))
}

func TestTransformEmptyChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("   "))
	}))
	defer srv.Close()

	p, err := New(ai.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Transform(t.Context(), ai.Request{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrEmptyResponse)
}

func TestTransformBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := New(ai.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Transform(t.Context(), ai.Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
