// Package openai is the Chat Completions transformer. It also serves
// OpenAI-compatible gateways through BaseURL.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"intelrelay/internal/ai"
)

const DefaultModel = "gpt-4.1-mini"

type Provider struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

func New(cfg ai.Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := openai.NewClient(opts...)
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Provider{client: &client, model: model, maxTokens: maxTokens}, nil
}

func (p *Provider) Name() string { return "openai/" + p.model }

func (p *Provider) Transform(ctx context.Context, req ai.Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req, p.model, p.maxTokens))
	if err != nil {
		return "", classify(fmt.Errorf("openai API call: %w", err))
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ai.ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ai.ErrEmptyResponse
	}
	return out, nil
}

func buildParams(req ai.Request, model string, maxTokens int64) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, openai.SystemMessage(s))
	}
	if d := req.Document; d != nil && len(d.Data) > 0 {
		mime := d.MIMEType
		if mime == "" {
			mime = "application/pdf"
		}
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
				Filename: openai.String(d.FileName),
				FileData: openai.String("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(d.Data)),
			}),
			openai.TextContentPart(req.Prompt),
		}
		msgs = append(msgs, openai.UserMessage(parts))
	} else {
		msgs = append(msgs, openai.UserMessage(req.Prompt))
	}
	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) || apiErr == nil {
		return err
	}
	var h http.Header
	if apiErr.Response != nil {
		h = apiErr.Response.Header
	}
	return ai.ClassifyStatus(err, apiErr.StatusCode, h)
}
