// Package telegram implements transport.Dialer on the Telegram Bot API
// (gopkg.in/telebot.v4).
//
// The bot must be an administrator of every monitored channel; Telegram then
// pushes channel_post updates to it. The bot API has no per-channel
// subscription, so Subscribe starts polling and the dispatcher filters.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"intelrelay/internal/retry"
	"intelrelay/internal/transport"
	logx "intelrelay/pkg/logx"
)

type Config struct {
	// APIURL overrides https://api.telegram.org (tests, local Bot API server).
	APIURL      string
	PollTimeout time.Duration
	// HTTPTimeout bounds every non-polling request.
	HTTPTimeout time.Duration
	// StopGrace bounds how long Close waits for the poll loop.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	return c
}

// Dialer opens bot sessions.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg.withDefaults(), log: log}
}

// Dial authenticates with getMe. A rejected token is retry.Permanent.
func (d *Dialer) Dial(ctx context.Context, cred transport.Credential) (transport.Conn, error) {
	token := strings.TrimSpace(cred.Token)
	if token == "" {
		return nil, retry.Permanent(errors.New("telegram: bot token is empty"))
	}

	c := &conn{
		log:       d.log.With(logx.String("comp", "telegram")),
		stopGrace: d.cfg.StopGrace,
		done:      make(chan struct{}),
		pollDone:  make(chan struct{}),
	}
	p := &reportingPoller{timeout: d.cfg.PollTimeout, onFail: c.fail}

	type result struct {
		b   *tele.Bot
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			URL:    d.cfg.APIURL,
			Token:  token,
			Poller: p,
			Client: &http.Client{Timeout: d.cfg.PollTimeout + d.cfg.HTTPTimeout},
			OnError: func(err error, tc tele.Context) {
				c.log.Warn("telegram handler error", logx.Err(err))
			},
		})
		ch <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("telegram getMe: %w", classify(r.err))
		}
		c.bot = r.b
	}

	if me := c.bot.Me; me != nil {
		c.id = transport.Identity{ID: me.ID, Username: me.Username, Name: strings.TrimSpace(me.FirstName + " " + me.LastName)}
	}
	c.registerHandlers()
	return c, nil
}

type deliverFunc func(transport.InboundEvent)

type conn struct {
	bot       *tele.Bot
	log       logx.Logger
	id        transport.Identity
	stopGrace time.Duration

	deliver atomic.Value // stores deliverFunc

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	pollDone chan struct{}

	failOnce sync.Once
	errMu    sync.Mutex
	err      error
	done     chan struct{}
}

func (c *conn) Identity() transport.Identity { return c.id }

func (c *conn) registerHandlers() {
	// Posts without text or a document are forwarded too; the dispatcher
	// counts them as skipped.
	h := func(tc tele.Context) error {
		ev, ok := eventFromMessage(tc.Message())
		if !ok {
			return nil
		}
		if fn, _ := c.deliver.Load().(deliverFunc); fn != nil {
			fn(ev)
		}
		return nil
	}
	c.bot.Handle(tele.OnChannelPost, h)
	c.bot.Handle(tele.OnText, h)
	c.bot.Handle(tele.OnDocument, h)
	c.bot.Handle(tele.OnPhoto, h)
	c.bot.Handle(tele.OnVideo, h)
	c.bot.Handle(tele.OnSticker, h)
}

// eventFromMessage reports false only when m carries no chat to attribute
// it to.
func eventFromMessage(m *tele.Message) (transport.InboundEvent, bool) {
	if m == nil || m.Chat == nil {
		return transport.InboundEvent{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	ev := transport.NewEvent(transport.SourceID(strconv.FormatInt(m.Chat.ID, 10)), m.ID, text)
	ev.SourceUsername = m.Chat.Username
	ev.SourceTitle = m.Chat.Title
	if m.Unixtime > 0 {
		ev.PostedAt = m.Time()
	}
	if d := m.Document; d != nil {
		ev.Document = &transport.Document{
			FileID:   d.FileID,
			FileName: d.FileName,
			MIMEType: d.MIME,
			Size:     int64(d.FileSize),
		}
	}
	return ev, true
}

// Subscribe installs deliver and starts polling. Calling it again only swaps
// the callback.
func (c *conn) Subscribe(ctx context.Context, sources []transport.SourceID, deliver func(transport.InboundEvent)) error {
	if deliver == nil {
		return errors.New("telegram: nil deliver func")
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	c.deliver.Store(deliverFunc(deliver))

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	go func() {
		defer close(c.pollDone)
		c.bot.Start()
	}()
	c.log.Info("polling started", logx.Int("sources", len(sources)), logx.String("as", c.id.String()))
	return nil
}

func (c *conn) Unsubscribe(ctx context.Context) error {
	c.deliver.Store(deliverFunc(nil))
	return c.stopPolling(ctx)
}

func (c *conn) stopPolling(ctx context.Context) error {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return nil
	}

	// Bot.Stop blocks until the poll loop acknowledges; never let a stuck
	// long-poll hold up shutdown.
	c.stopOnce.Do(func() { go c.bot.Stop() })

	grace := c.stopGrace
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-c.pollDone:
		return nil
	case <-t.C:
		c.log.Warn("telegram poll loop did not stop in time", logx.Duration("grace", grace))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping round-trips getMe.
func (c *conn) Ping(ctx context.Context) error {
	_, err := c.call(ctx, func() (any, error) {
		return c.bot.Raw("getMe", map[string]string{})
	})
	return err
}

// call runs a blocking telebot request and gives up waiting when ctx ends.
func (c *conn) call(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.v, classify(r.err)
	}
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

// Send delivers out to dest. Text longer than one message is split at
// newlines; an attachment carries the text as caption when it fits.
func (c *conn) Send(ctx context.Context, to transport.Destination, out transport.Outbound) (transport.MessageRef, error) {
	dest := strings.TrimSpace(string(to))
	if dest == "" {
		return transport.MessageRef{}, retry.Permanent(errors.New("telegram: empty destination"))
	}
	rcpt := recipient(dest)
	opts := func() *tele.SendOptions {
		return &tele.SendOptions{ParseMode: out.ParseMode, DisableWebPagePreview: out.DisablePreview}
	}

	var first transport.MessageRef
	remember := func(m *tele.Message) {
		if first.MessageID == 0 && m != nil {
			first = transport.MessageRef{Destination: to, MessageID: m.ID}
		}
	}

	text := out.Text
	if a := out.Attachment; a != nil {
		doc := &tele.Document{
			File:     tele.FromReader(bytes.NewReader(a.Data)),
			FileName: a.FileName,
			MIME:     a.MIMEType,
		}
		if len([]rune(text)) <= captionLimit {
			doc.Caption = text
			text = ""
		}
		v, err := c.call(ctx, func() (any, error) { return c.bot.Send(rcpt, doc, opts()) })
		if isMarkupError(err) && doc.Caption != "" {
			c.log.Warn("caption markup rejected; resending as plain text", logx.Err(err))
			doc.Caption = stripTags(doc.Caption)
			v, err = c.call(ctx, func() (any, error) {
				return c.bot.Send(rcpt, doc, &tele.SendOptions{DisableWebPagePreview: out.DisablePreview})
			})
		}
		if err != nil {
			return first, err
		}
		m, _ := v.(*tele.Message)
		remember(m)
	}

	if strings.TrimSpace(text) == "" {
		if first.MessageID == 0 && out.Attachment == nil {
			return first, retry.Permanent(errors.New("telegram: nothing to send"))
		}
		return first, nil
	}
	for _, chunk := range splitText(text, textLimit, out.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		chunk := chunk
		v, err := c.call(ctx, func() (any, error) { return c.bot.Send(rcpt, chunk, opts()) })
		if isMarkupError(err) {
			c.log.Warn("message markup rejected; resending as plain text", logx.Err(err))
			plain := stripTags(chunk)
			v, err = c.call(ctx, func() (any, error) {
				return c.bot.Send(rcpt, plain, &tele.SendOptions{DisableWebPagePreview: out.DisablePreview})
			})
		}
		if err != nil {
			return first, err
		}
		m, _ := v.(*tele.Message)
		remember(m)
	}
	return first, nil
}

// Download fetches doc. The Bot API serves files up to 20 MB.
func (c *conn) Download(ctx context.Context, doc transport.Document, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && doc.Size > maxBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: %d > %d bytes", transport.ErrTooLarge, doc.Size, maxBytes))
	}
	v, err := c.call(ctx, func() (any, error) {
		f, err := c.bot.FileByID(doc.FileID)
		if err != nil {
			return nil, err
		}
		if maxBytes > 0 && int64(f.FileSize) > maxBytes {
			return nil, retry.Permanent(fmt.Errorf("%w: %d > %d bytes", transport.ErrTooLarge, int64(f.FileSize), maxBytes))
		}
		rc, err := c.bot.File(&f)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		r := io.Reader(rc)
		if maxBytes > 0 {
			r = io.LimitReader(rc, maxBytes+1)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if maxBytes > 0 && int64(len(b)) > maxBytes {
			return nil, retry.Permanent(fmt.Errorf("%w: more than %d bytes", transport.ErrTooLarge, maxBytes))
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// fail marks the link dead once. Later failures are ignored.
func (c *conn) fail(err error) {
	if err == nil {
		err = errors.New("telegram: link lost")
	}
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *conn) Close(ctx context.Context) error {
	c.deliver.Store(deliverFunc(nil))
	err := c.stopPolling(ctx)
	c.fail(transport.ErrClosed)
	return err
}
