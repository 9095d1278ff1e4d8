// Package anthropic is the Claude Messages API transformer.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"intelrelay/internal/ai"
)

const (
	DefaultModel   = "claude-sonnet-4-5"
	defaultBaseURL = "https://api.anthropic.com"
)

type Provider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New builds a provider from cfg. SDK-level retries are off; the caller
// retries with its own policy using the classified errors.
func New(cfg ai.Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(normalizeBaseURL(cfg.BaseURL)),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := anthropic.NewClient(opts...)
	return NewWithClient(&client, cfg.Model, cfg.MaxTokens), nil
}

func NewWithClient(client *anthropic.Client, model string, maxTokens int64) *Provider {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Provider{client: client, model: model, maxTokens: maxTokens}
}

func (p *Provider) Name() string { return "anthropic/" + p.model }

func (p *Provider) Transform(ctx context.Context, req ai.Request) (string, error) {
	params := buildParams(req, p.model, p.maxTokens)
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(fmt.Errorf("claude API call: %w", err))
	}
	out := strings.TrimSpace(responseText(resp))
	if out == "" {
		return "", ai.ErrEmptyResponse
	}
	return out, nil
}

func buildParams(req ai.Request, model string, maxTokens int64) anthropic.MessageNewParams {
	var blocks []anthropic.ContentBlockParamUnion
	if d := req.Document; d != nil && len(d.Data) > 0 {
		blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(d.Data),
		}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}
	return params
}

func responseText(resp *anthropic.Message) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String()
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) || apiErr == nil {
		return err
	}
	var h http.Header
	if apiErr.Response != nil {
		h = apiErr.Response.Header
	}
	return ai.ClassifyStatus(err, apiErr.StatusCode, h)
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
