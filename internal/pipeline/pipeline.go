// Package pipeline is the per-event processing unit: it routes a post,
// runs it through the model and forwards the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"intelrelay/internal/ai"
	"intelrelay/internal/dispatch"
	"intelrelay/internal/retry"
	"intelrelay/internal/textutil"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

// DefaultMaxDocumentBytes matches the Bot API download ceiling.
const DefaultMaxDocumentBytes = 20 << 20

// Link is the outbound side of the connection supervisor.
type Link interface {
	Send(ctx context.Context, to transport.Destination, out transport.Outbound) (transport.MessageRef, error)
	Download(ctx context.Context, doc transport.Document, maxBytes int64) ([]byte, error)
}

type Config struct {
	MaxDocumentBytes int64
	// LLM is the retry policy around model calls.
	LLM retry.Policy
	// MaxInputRunes caps text sent to the model.
	MaxInputRunes  int
	DisablePreview bool
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }

func WithSleep(fn retry.SleepFunc) Option { return func(p *Pipeline) { p.sleep = fn } }

type Pipeline struct {
	cfg    Config
	router *Router
	model  ai.Transformer
	link   Link
	log    logx.Logger
	sleep  retry.SleepFunc
}

var _ dispatch.Processor = (*Pipeline)(nil)

func New(cfg Config, router *Router, model ai.Transformer, link Link, opts ...Option) *Pipeline {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if cfg.LLM.MaxAttempts == 0 && cfg.LLM.InitialDelay == 0 {
		cfg.LLM = retry.Default
	}
	if cfg.MaxInputRunes <= 0 {
		cfg.MaxInputRunes = 12000
	}
	p := &Pipeline{cfg: cfg, router: router, model: model, link: link}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pipeline"))
	return p
}

// Process handles one event end to end. Nothing to forward is reported as
// dispatch.ErrSkipped.
func (p *Pipeline) Process(ctx context.Context, ev transport.InboundEvent) error {
	if !ev.HasContent() {
		return fmt.Errorf("%w: no processable content", dispatch.ErrSkipped)
	}
	dest, err := p.router.Route(ev)
	if err != nil {
		return retry.Permanent(err)
	}
	log := p.log.With(logx.String("event_id", ev.ID), logx.String("dest", string(dest)))

	switch {
	case ev.Document != nil && ev.Document.IsPDF():
		return p.processDocument(ctx, log, ev, dest)
	case strings.TrimSpace(ev.Text) != "":
		if ev.Document != nil {
			log.Debug("non-PDF attachment ignored", logx.String("mime", ev.Document.MIMEType))
		}
		return p.processText(ctx, log, ev, dest)
	default:
		return fmt.Errorf("%w: unsupported document %q (%s)", dispatch.ErrSkipped, ev.Document.FileName, ev.Document.MIMEType)
	}
}

func (p *Pipeline) processText(ctx context.Context, log logx.Logger, ev transport.InboundEvent, dest transport.Destination) error {
	text := textutil.Truncate(strings.TrimSpace(ev.Text), p.cfg.MaxInputRunes, "…")
	cjk := textutil.HasCJK(text)
	log.Info("processing text", logx.Int("chars", len([]rune(text))), logx.Bool("cjk", cjk))

	reply, err := p.transform(ctx, "llm.text", ai.Request{
		System: systemPrompt,
		Prompt: textPrompt(ev.DisplayName(), text, cjk),
	})
	if err != nil {
		return err
	}
	if isSkip(reply) {
		return fmt.Errorf("%w: model found nothing to forward", dispatch.ErrSkipped)
	}
	return p.forward(ctx, log, ev, dest, reply, nil)
}

func (p *Pipeline) processDocument(ctx context.Context, log logx.Logger, ev transport.InboundEvent, dest transport.Destination) error {
	doc := *ev.Document
	name := textutil.SafeFilename(doc.FileName)
	if doc.Size > p.cfg.MaxDocumentBytes {
		return retry.Permanent(fmt.Errorf("%w: %s is %s (limit %s)", transport.ErrTooLarge, name,
			humanize.IBytes(uint64(doc.Size)), humanize.IBytes(uint64(p.cfg.MaxDocumentBytes))))
	}

	start := time.Now()
	data, err := p.link.Download(ctx, doc, p.cfg.MaxDocumentBytes)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	log.Info("document downloaded", logx.String("file", name), logx.String("size", humanize.IBytes(uint64(len(data)))), logx.Duration("took", time.Since(start)))

	mime := doc.MIMEType
	if mime == "" {
		mime = "application/pdf"
	}
	reply, err := p.transform(ctx, "llm.document", ai.Request{
		System:   systemPrompt,
		Prompt:   documentPrompt(ev.DisplayName(), name, ev.Text),
		Document: &ai.Document{FileName: name, MIMEType: mime, Data: data},
	})
	if err != nil {
		return err
	}
	if isSkip(reply) {
		return fmt.Errorf("%w: model found nothing to forward", dispatch.ErrSkipped)
	}
	return p.forward(ctx, log, ev, dest, reply, &transport.Attachment{FileName: name, MIMEType: mime, Data: data})
}

func (p *Pipeline) transform(ctx context.Context, op string, req ai.Request) (string, error) {
	start := time.Now()
	var opts []retry.Option
	opts = append(opts, retry.WithLogger(p.log))
	if p.sleep != nil {
		opts = append(opts, retry.WithSleep(p.sleep))
	}
	out, err := retry.Do(ctx, p.cfg.LLM, op, func(ctx context.Context) (string, error) {
		return p.model.Transform(ctx, req)
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%s via %s: %w", op, p.model.Name(), err)
	}
	p.log.Debug("model replied", logx.String("op", op), logx.String("model", p.model.Name()), logx.Int("chars", len(out)), logx.Duration("took", time.Since(start)))
	return out, nil
}

func (p *Pipeline) forward(ctx context.Context, log logx.Logger, ev transport.InboundEvent, dest transport.Destination, body string, att *transport.Attachment) error {
	out := transport.Outbound{
		Text:           strings.TrimSpace(body) + "\n\n" + footer(ev.DisplayName(), ev.Link()),
		ParseMode:      "HTML",
		DisablePreview: p.cfg.DisablePreview,
		Attachment:     att,
	}
	ref, err := p.link.Send(ctx, dest, out)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", dest, err)
	}
	log.Info("forwarded", logx.Int("out_message_id", ref.MessageID))
	return nil
}

// Probe sends a trivial prompt to check the model is reachable.
func Probe(ctx context.Context, model ai.Transformer) error {
	out, err := model.Transform(ctx, ai.Request{Prompt: "Reply with the single word OK."})
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return errors.New("empty reply")
	}
	return nil
}
