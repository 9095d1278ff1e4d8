package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a rendered log line to the chat named by to, with link
// previews off. The sink stays silent until one is installed.
type Sender interface {
	SendLog(ctx context.Context, to, text string) error
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
	chatMaxStackLen = 900
)

type chatLine struct {
	to   string
	text string
}

// chatSink is a zerolog.LevelWriter that forwards lines at or above a level
// to a chat, rate limited and never blocking the caller.
type chatSink struct {
	sender atomic.Pointer[Sender]

	mu       sync.Mutex
	target   string
	minLevel Level
	limiter  *rate.Limiter

	lines  chan chatLine
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink() *chatSink {
	ctx, cancel := context.WithCancel(context.Background())
	c := &chatSink{
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		lines:    make(chan chatLine, chatQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *chatSink) configure(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	c.mu.Lock()
	c.target = strings.TrimSpace(cfg.Target)
	c.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) setSender(snd Sender) {
	if snd == nil {
		c.sender.Store(nil)
		return
	}
	c.sender.Store(&snd)
}

func (c *chatSink) currentSender() Sender {
	if p := c.sender.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, min, lim := c.target, c.minLevel, c.limiter
	c.mu.Unlock()

	if to == "" || level < min || c.currentSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := renderChatLine(p); text != "" {
		select {
		case c.lines <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.lines:
			snd := c.currentSender()
			if snd == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = snd.SendLog(sctx, l.to, l.text)
			cancel()
		}
	}
}

func (c *chatSink) close() {
	c.cancel()
	<-c.done
}

// renderChatLine turns a zerolog JSON line into "[LEVEL] message" followed
// by one "- key=value" line per field, keys sorted. Non-JSON input is sent
// trimmed.
func renderChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", clip(v, chatMaxStackLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(v, chatMaxValueLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
